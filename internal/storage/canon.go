package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotcommander/wenshape/internal/chapter"
	"github.com/dotcommander/wenshape/internal/domain"
)

// normalizeFactItem coerces a raw persisted fact row into the current shape.
// Legacy rows may lack ids, carry "text" instead of "statement", or use
// non-canonical chapter references; every field defaults predictably.
func normalizeFactItem(idx int, raw json.RawMessage) domain.Fact {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return domain.Fact{ID: fmt.Sprintf("F%04d", idx+1), Confidence: 0.5}
	}
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := row[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	fact := domain.Fact{
		ID:         str("id"),
		Statement:  str("statement", "text", "content"),
		Title:      str("title"),
		Content:    str("content"),
		SummaryRef: str("summary_ref"),
		Confidence: 0.5,
	}
	if fact.ID == "" {
		fact.ID = fmt.Sprintf("F%04d", idx+1)
	}
	if c, ok := row["confidence"].(float64); ok && c >= 0 && c <= 1 {
		fact.Confidence = c
	}
	if src := str("source", "chapter"); src != "" {
		if canon, err := chapter.Canonical(src); err == nil {
			fact.Source = canon
		} else {
			fact.Source = src
		}
	}
	if intro := str("introduced_in"); intro != "" {
		if canon, err := chapter.Canonical(intro); err == nil {
			fact.IntroducedIn = canon
		} else {
			fact.IntroducedIn = intro
		}
	} else {
		fact.IntroducedIn = fact.Source
	}
	if fact.Content == "" {
		fact.Content = fact.Statement
	}
	return fact
}

// ListFacts reads all facts, coercing legacy rows.
func (s *ProjectStore) ListFacts() ([]domain.Fact, error) {
	rows, err := readJSONLines(s.layout.FactsPath())
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	facts := make([]domain.Fact, 0, len(rows))
	for i, raw := range rows {
		facts = append(facts, normalizeFactItem(i, raw))
	}
	return facts, nil
}

// NextFactID probes the existing facts and returns the next free F<nnnn> id.
func (s *ProjectStore) NextFactID() (string, error) {
	facts, err := s.ListFacts()
	if err != nil {
		return "", err
	}
	used := make(map[string]bool, len(facts))
	for _, f := range facts {
		used[f.ID] = true
	}
	for n := len(facts) + 1; ; n++ {
		id := fmt.Sprintf("F%04d", n)
		if !used[id] {
			return id, nil
		}
	}
}

// AddFact appends one fact; a missing id is assigned by probing.
func (s *ProjectStore) AddFact(ctx context.Context, fact domain.Fact) (domain.Fact, error) {
	path := s.layout.FactsPath()
	var out domain.Fact
	err := s.withLock(ctx, path, func() error {
		if fact.ID == "" {
			id, err := s.NextFactID()
			if err != nil {
				return err
			}
			fact.ID = id
		}
		if fact.Confidence <= 0 || fact.Confidence > 1 {
			fact.Confidence = 0.5
		}
		if fact.IntroducedIn == "" {
			fact.IntroducedIn = fact.Source
		}
		out = fact
		return appendJSONLine(path, fact)
	})
	return out, err
}

// GetFactByID finds one fact.
func (s *ProjectStore) GetFactByID(id string) (domain.Fact, error) {
	facts, err := s.ListFacts()
	if err != nil {
		return domain.Fact{}, err
	}
	for _, f := range facts {
		if f.ID == id {
			return f, nil
		}
	}
	return domain.Fact{}, fmt.Errorf("%w: fact %s", ErrNotFound, id)
}

// UpdateFact rewrites the facts file with the edited row.
func (s *ProjectStore) UpdateFact(ctx context.Context, fact domain.Fact) error {
	path := s.layout.FactsPath()
	return s.withLock(ctx, path, func() error {
		facts, err := s.ListFacts()
		if err != nil {
			return err
		}
		found := false
		rows := make([]any, 0, len(facts))
		for _, f := range facts {
			if f.ID == fact.ID {
				rows = append(rows, fact)
				found = true
			} else {
				rows = append(rows, f)
			}
		}
		if !found {
			return fmt.Errorf("%w: fact %s", ErrNotFound, fact.ID)
		}
		return writeJSONLines(path, rows)
	})
}

// DeleteFact rewrites the facts file without the given id.
func (s *ProjectStore) DeleteFact(ctx context.Context, id string) error {
	path := s.layout.FactsPath()
	return s.withLock(ctx, path, func() error {
		facts, err := s.ListFacts()
		if err != nil {
			return err
		}
		rows := make([]any, 0, len(facts))
		found := false
		for _, f := range facts {
			if f.ID == id {
				found = true
				continue
			}
			rows = append(rows, f)
		}
		if !found {
			return fmt.Errorf("%w: fact %s", ErrNotFound, id)
		}
		return writeJSONLines(path, rows)
	})
}

// FactsByChapter filters facts by canonical source chapter.
func (s *ProjectStore) FactsByChapter(ch string) ([]domain.Fact, error) {
	canon, err := canonicalChapter(ch)
	if err != nil {
		return nil, err
	}
	facts, err := s.ListFacts()
	if err != nil {
		return nil, err
	}
	var out []domain.Fact
	for _, f := range facts {
		if chapter.Equal(f.Source, canon) {
			out = append(out, f)
		}
	}
	return out, nil
}

// DeleteFactsByChapter removes all facts sourced from one chapter. Used on
// forced re-analysis.
func (s *ProjectStore) DeleteFactsByChapter(ctx context.Context, ch string) (int, error) {
	canon, err := canonicalChapter(ch)
	if err != nil {
		return 0, err
	}
	path := s.layout.FactsPath()
	removed := 0
	err = s.withLock(ctx, path, func() error {
		facts, err := s.ListFacts()
		if err != nil {
			return err
		}
		rows := make([]any, 0, len(facts))
		for _, f := range facts {
			if chapter.Equal(f.Source, canon) {
				removed++
				continue
			}
			rows = append(rows, f)
		}
		if removed == 0 {
			return nil
		}
		return writeJSONLines(path, rows)
	})
	return removed, err
}

// ListTimeline reads all timeline events.
func (s *ProjectStore) ListTimeline() ([]domain.TimelineEvent, error) {
	rows, err := readJSONLines(s.layout.TimelinePath())
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	events := make([]domain.TimelineEvent, 0, len(rows))
	for _, raw := range rows {
		var ev domain.TimelineEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		if canon, cerr := chapter.Canonical(ev.Source); cerr == nil {
			ev.Source = canon
		}
		events = append(events, ev)
	}
	return events, nil
}

// TimelineByChapter filters events by source chapter.
func (s *ProjectStore) TimelineByChapter(ch string) ([]domain.TimelineEvent, error) {
	canon, err := canonicalChapter(ch)
	if err != nil {
		return nil, err
	}
	events, err := s.ListTimeline()
	if err != nil {
		return nil, err
	}
	var out []domain.TimelineEvent
	for _, ev := range events {
		if chapter.Equal(ev.Source, canon) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// AddTimelineEvent appends one timeline event.
func (s *ProjectStore) AddTimelineEvent(ctx context.Context, ev domain.TimelineEvent) error {
	path := s.layout.TimelinePath()
	return s.withLock(ctx, path, func() error {
		if canon, err := chapter.Canonical(ev.Source); err == nil {
			ev.Source = canon
		}
		return appendJSONLine(path, ev)
	})
}

// ListCharacterStates reads all state entries in append order.
func (s *ProjectStore) ListCharacterStates() ([]domain.CharacterState, error) {
	rows, err := readJSONLines(s.layout.CharacterStatePath())
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	states := make([]domain.CharacterState, 0, len(rows))
	for _, raw := range rows {
		var st domain.CharacterState
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		if canon, cerr := chapter.Canonical(st.LastSeen); cerr == nil {
			st.LastSeen = canon
		}
		states = append(states, st)
	}
	return states, nil
}

// CurrentCharacterState returns the most recent state entry for a character.
func (s *ProjectStore) CurrentCharacterState(name string) (domain.CharacterState, error) {
	states, err := s.ListCharacterStates()
	if err != nil {
		return domain.CharacterState{}, err
	}
	for i := len(states) - 1; i >= 0; i-- {
		if strings.EqualFold(states[i].Character, name) {
			return states[i], nil
		}
	}
	return domain.CharacterState{}, fmt.Errorf("%w: state for %s", ErrNotFound, name)
}

// AddCharacterState appends one state entry.
func (s *ProjectStore) AddCharacterState(ctx context.Context, st domain.CharacterState) error {
	if strings.TrimSpace(st.Character) == "" {
		return fmt.Errorf("%w: character state requires a character", ErrValidation)
	}
	path := s.layout.CharacterStatePath()
	return s.withLock(ctx, path, func() error {
		if canon, err := chapter.Canonical(st.LastSeen); err == nil {
			st.LastSeen = canon
		}
		return appendJSONLine(path, st)
	})
}
