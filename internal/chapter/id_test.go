package chapter

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ID
		wantErr bool
	}{
		{"bare chapter", "c5", ID{Volume: 1, Chapter: 5}, false},
		{"ch prefix", "ch5", ID{Volume: 1, Chapter: 5}, false},
		{"upper chapter", "C5", ID{Volume: 1, Chapter: 5}, false},
		{"vol prefix", "vol1c5", ID{Volume: 1, Chapter: 5}, false},
		{"volume prefix", "volume1c5", ID{Volume: 1, Chapter: 5}, false},
		{"canonical", "V1C5", ID{Volume: 1, Chapter: 5}, false},
		{"extra", "V1C5E2", ID{Volume: 1, Chapter: 5, Type: KindExtra, Seq: 2}, false},
		{"interlude", "v2c0i1", ID{Volume: 2, Chapter: 0, Type: KindInterlude, Seq: 1}, false},
		{"mixed case suffix", "V1C5e3", ID{Volume: 1, Chapter: 5, Type: KindExtra, Seq: 3}, false},
		{"unknown type code", "V1C5X7", ID{Volume: 1, Chapter: 5}, false},
		{"chapter zero", "V1C0", ID{Volume: 1, Chapter: 0}, false},
		{"whitespace", "  V3C12  ", ID{Volume: 3, Chapter: 12}, false},
		{"empty", "", ID{}, true},
		{"garbage", "hello", ID{}, true},
		{"volume only", "V1", ID{}, true},
		{"volume zero", "V0C5", ID{}, true},
		{"negative-ish", "c-5", ID{}, true},
		{"trailing junk", "V1C5E2z", ID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCanonicalIdempotent(t *testing.T) {
	inputs := []string{"c5", "ch5", "vol1c5", "V1C5", "V1C5E2", "v2c10i3", "volume4c0"}
	for _, in := range inputs {
		first, err := Canonical(in)
		if err != nil {
			t.Fatalf("Canonical(%q): %v", in, err)
		}
		second, err := Canonical(first)
		if err != nil {
			t.Fatalf("Canonical(%q): %v", first, err)
		}
		if first != second {
			t.Errorf("Canonical not idempotent: %q -> %q -> %q", in, first, second)
		}
		p1, _ := Parse(in)
		p2, _ := Parse(first)
		if p1 != p2 {
			t.Errorf("Parse(%q) = %+v differs from Parse(%q) = %+v", in, p1, first, p2)
		}
	}
}

func TestWeight(t *testing.T) {
	tests := []struct {
		input string
		want  float64
	}{
		{"V1C5", 1005},
		{"V2C0", 2000},
		{"V1C5E2", 1005.2},
		{"V3C14I1", 3014.1},
	}
	for _, tt := range tests {
		if got := Weight(tt.input); got != tt.want {
			t.Errorf("Weight(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSort(t *testing.T) {
	in := []string{"V2C1", "c3", "V1C5E2", "V1C5", "v1c5i2", "V1C10"}
	got := Sort(in)
	want := []string{"c3", "V1C5", "V1C5E2", "v1c5i2", "V1C10", "V2C1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Sort = %v, want %v", got, want)
		}
	}
}

func TestSortEqualWeightTieBreak(t *testing.T) {
	// E2 and I2 on the same chapter share a weight; canonical string decides.
	got := Sort([]string{"V1C5I2", "V1C5E2"})
	if got[0] != "V1C5E2" || got[1] != "V1C5I2" {
		t.Fatalf("tie-break by canonical string failed: %v", got)
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b string
		avg  int
		want int
	}{
		{"V1C5", "V1C9", 0, 4},
		{"V1C9", "V1C5", 0, 4},
		{"V1C5", "V2C3", 0, 1*15 + 3},
		{"V1C5", "V3C2", 10, 2*10 + 2},
		{"V1C5", "V1C5", 0, 0},
	}
	for _, tt := range tests {
		got, err := Distance(tt.a, tt.b, tt.avg)
		if err != nil {
			t.Fatalf("Distance(%q, %q): %v", tt.a, tt.b, err)
		}
		if got != tt.want {
			t.Errorf("Distance(%q, %q, %d) = %d, want %d", tt.a, tt.b, tt.avg, got, tt.want)
		}
	}
}

func TestExtractVolume(t *testing.T) {
	if got := ExtractVolume("vol2c7"); got != "V2" {
		t.Errorf("ExtractVolume(vol2c7) = %q, want V2", got)
	}
	if got := ExtractVolume("c7"); got != "V1" {
		t.Errorf("ExtractVolume(c7) = %q, want V1", got)
	}
	if got := ExtractVolume("nope"); got != "" {
		t.Errorf("ExtractVolume(nope) = %q, want empty", got)
	}
}

func TestEqual(t *testing.T) {
	if !Equal("c5", "V1C5") {
		t.Error("c5 should equal V1C5")
	}
	if Equal("V1C5", "V1C5E1") {
		t.Error("base chapter should not equal its extra")
	}
	if Equal("nope", "V1C5") {
		t.Error("invalid id never equals anything")
	}
}
