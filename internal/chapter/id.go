// Package chapter implements the canonical chapter identifier model.
//
// The canonical form is V<v>C<c>, optionally suffixed with E<seq> (extra
// chapter) or I<seq> (interlude). All persisted references use the canonical
// form; legacy spellings such as "ch5" or "vol1c5" are coerced on read and
// never written back.
package chapter

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultChaptersPerVolume is the assumed average chapter count used by
// Distance when two ids live in different volumes.
const DefaultChaptersPerVolume = 15

// Kind is the chapter type suffix: empty for a base chapter, "E" for an
// extra, "I" for an interlude.
type Kind string

const (
	KindBase      Kind = ""
	KindExtra     Kind = "E"
	KindInterlude Kind = "I"
)

// ID is a parsed chapter identifier.
type ID struct {
	Volume  int
	Chapter int
	Type    Kind
	Seq     int
}

// idPattern tolerates user input: "c5", "ch5", "vol1c5", "volume1c5",
// "V1C5", "V1C5E2", all case-insensitive. Any single letter is accepted in
// the suffix position; unknown codes collapse to the base chapter.
var idPattern = regexp.MustCompile(`^(?i)(?:v(?:ol(?:ume)?)?(\d+))?c(?:h(?:apter)?)?(\d+)(?:([a-z])(\d+))?$`)

// Parse interprets s as a chapter id. The volume defaults to 1 when omitted.
func Parse(s string) (ID, error) {
	trimmed := strings.TrimSpace(s)
	m := idPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return ID{}, fmt.Errorf("invalid chapter id %q", s)
	}

	id := ID{Volume: 1}
	if m[1] != "" {
		v, err := strconv.Atoi(m[1])
		if err != nil || v < 1 {
			return ID{}, fmt.Errorf("invalid volume in chapter id %q", s)
		}
		id.Volume = v
	}
	c, err := strconv.Atoi(m[2])
	if err != nil || c < 0 {
		return ID{}, fmt.Errorf("invalid chapter number in %q", s)
	}
	id.Chapter = c

	if m[3] != "" {
		switch strings.ToUpper(m[3]) {
		case "E":
			id.Type = KindExtra
		case "I":
			id.Type = KindInterlude
		default:
			// Unknown type code: treat as the base chapter.
			return id, nil
		}
		seq, err := strconv.Atoi(m[4])
		if err != nil {
			return ID{}, fmt.Errorf("invalid sequence in chapter id %q", s)
		}
		id.Seq = seq
	}
	return id, nil
}

// String renders the canonical form.
func (id ID) String() string {
	base := fmt.Sprintf("V%dC%d", id.Volume, id.Chapter)
	if id.Type == KindBase {
		return base
	}
	return fmt.Sprintf("%s%s%d", base, id.Type, id.Seq)
}

// Weight gives the total-order sort key: v*1000 + c + 0.1*seq.
func (id ID) Weight() float64 {
	return float64(id.Volume)*1000 + float64(id.Chapter) + 0.1*float64(id.Seq)
}

// Canonical normalizes s, applying an implicit V1 only when the remainder
// validates as a chapter id.
func Canonical(s string) (string, error) {
	id, err := Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IsValid reports whether s parses as a chapter id.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Weight parses s and returns its sort weight, or 0 for invalid input.
func Weight(s string) float64 {
	id, err := Parse(s)
	if err != nil {
		return 0
	}
	return id.Weight()
}

// Sort orders ids by (weight, canonical string). Unparseable entries sink to
// the end, ordered by their raw string.
func Sort(ids []string) []string {
	type keyed struct {
		raw       string
		canonical string
		weight    float64
		valid     bool
	}
	keys := make([]keyed, len(ids))
	for i, raw := range ids {
		k := keyed{raw: raw, weight: math.Inf(1)}
		if id, err := Parse(raw); err == nil {
			k.canonical = id.String()
			k.weight = id.Weight()
			k.valid = true
		}
		keys[i] = k
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.valid != b.valid {
			return a.valid
		}
		if !a.valid {
			return a.raw < b.raw
		}
		if a.weight != b.weight {
			return a.weight < b.weight
		}
		return a.canonical < b.canonical
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.raw
	}
	return out
}

// Distance estimates how many chapters apart two ids are. Within one volume
// it is the chapter delta; across volumes it assumes avgPerVolume chapters
// per volume. avgPerVolume <= 0 selects DefaultChaptersPerVolume.
func Distance(a, b string, avgPerVolume int) (int, error) {
	ida, err := Parse(a)
	if err != nil {
		return 0, err
	}
	idb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	if avgPerVolume <= 0 {
		avgPerVolume = DefaultChaptersPerVolume
	}
	if ida.Volume == idb.Volume {
		return abs(ida.Chapter - idb.Chapter), nil
	}
	return abs(ida.Volume-idb.Volume)*avgPerVolume + min(ida.Chapter, idb.Chapter), nil
}

// ExtractVolume returns "V<n>" for a parseable id, or "" otherwise.
func ExtractVolume(s string) string {
	id, err := Parse(s)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("V%d", id.Volume)
}

// Equal reports canonical-form equality of two raw ids.
func Equal(a, b string) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return ca == cb
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
