// Package domain holds the shared value types persisted by the storage layer
// and exchanged between the indexing, context, memory and session components.
package domain

import "time"

// CharacterCard describes one character. Names are unique within a project.
type CharacterCard struct {
	Name          string            `yaml:"name" json:"name"`
	Aliases       []string          `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	Identity      string            `yaml:"identity,omitempty" json:"identity,omitempty"`
	Appearance    string            `yaml:"appearance,omitempty" json:"appearance,omitempty"`
	Motivation    string            `yaml:"motivation,omitempty" json:"motivation,omitempty"`
	Personality   string            `yaml:"personality,omitempty" json:"personality,omitempty"`
	SpeechPattern string            `yaml:"speech_pattern,omitempty" json:"speech_pattern,omitempty"`
	Relationships map[string]string `yaml:"relationships,omitempty" json:"relationships,omitempty"`
	Boundaries    string            `yaml:"boundaries,omitempty" json:"boundaries,omitempty"`
	Arc           string            `yaml:"arc,omitempty" json:"arc,omitempty"`
	Stars         int               `yaml:"stars,omitempty" json:"stars,omitempty"`
}

// WorldCard describes a world entity, location, faction or rule set.
type WorldCard struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Aliases     []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Category    string   `yaml:"category,omitempty" json:"category,omitempty"`
	Rules       []string `yaml:"rules,omitempty" json:"rules,omitempty"`
	Immutable   string   `yaml:"immutable,omitempty" json:"immutable,omitempty"`
	Stars       int      `yaml:"stars,omitempty" json:"stars,omitempty"`
}

// StyleCard is the single per-project prose style card.
type StyleCard struct {
	Style string `yaml:"style" json:"style"`
}

// Fact is one canonical statement, append-only in canon/facts.jsonl.
type Fact struct {
	ID           string  `json:"id"`
	Statement    string  `json:"statement"`
	Source       string  `json:"source"`
	IntroducedIn string  `json:"introduced_in"`
	Confidence   float64 `json:"confidence"`
	Title        string  `json:"title,omitempty"`
	Content      string  `json:"content,omitempty"`
	SummaryRef   string  `json:"summary_ref,omitempty"`
}

// TimelineEvent is one entry in canon/timeline.jsonl.
type TimelineEvent struct {
	Time         string   `json:"time"`
	Event        string   `json:"event"`
	Participants []string `json:"participants,omitempty"`
	Location     string   `json:"location,omitempty"`
	Source       string   `json:"source"`
}

// CharacterState is an append-only per-character state snapshot; the current
// state is the most recent entry by append order.
type CharacterState struct {
	Character      string            `json:"character"`
	Goals          []string          `json:"goals,omitempty"`
	Injuries       []string          `json:"injuries,omitempty"`
	Inventory      []string          `json:"inventory,omitempty"`
	Relationships  map[string]string `json:"relationships,omitempty"`
	Location       string            `json:"location,omitempty"`
	EmotionalState string            `json:"emotional_state,omitempty"`
	LastSeen       string            `json:"last_seen,omitempty"`
}

// SceneBriefCharacter names a character relevant to a brief with the traits
// that matter for the scene.
type SceneBriefCharacter struct {
	Name           string `yaml:"name" json:"name"`
	RelevantTraits string `yaml:"relevant_traits,omitempty" json:"relevant_traits,omitempty"`
}

// TimelineContext situates a brief before/during/after its chapter.
type TimelineContext struct {
	Before  string `yaml:"before,omitempty" json:"before,omitempty"`
	Current string `yaml:"current,omitempty" json:"current,omitempty"`
	After   string `yaml:"after,omitempty" json:"after,omitempty"`
}

// SceneBrief is the archivist's plan for a chapter.
type SceneBrief struct {
	Chapter          string                `yaml:"chapter" json:"chapter"`
	Title            string                `yaml:"title,omitempty" json:"title,omitempty"`
	Goal             string                `yaml:"goal,omitempty" json:"goal,omitempty"`
	Characters       []SceneBriefCharacter `yaml:"characters,omitempty" json:"characters,omitempty"`
	TimelineContext  TimelineContext       `yaml:"timeline_context,omitempty" json:"timeline_context,omitempty"`
	WorldConstraints []string              `yaml:"world_constraints,omitempty" json:"world_constraints,omitempty"`
	Facts            []string              `yaml:"facts,omitempty" json:"facts,omitempty"`
	StyleReminder    string                `yaml:"style_reminder,omitempty" json:"style_reminder,omitempty"`
	Forbidden        []string              `yaml:"forbidden,omitempty" json:"forbidden,omitempty"`
}

// Draft is one persisted draft version. Version is "v1", "v2", … or
// "current" for the authoritative final.
type Draft struct {
	Chapter              string    `yaml:"chapter" json:"chapter"`
	Version              string    `yaml:"version" json:"version"`
	Content              string    `yaml:"-" json:"content,omitempty"`
	WordCount            int       `yaml:"word_count" json:"word_count"`
	PendingConfirmations []string  `yaml:"pending_confirmations,omitempty" json:"pending_confirmations,omitempty"`
	CreatedAt            time.Time `yaml:"created_at" json:"created_at"`
}

// ChapterSummary condenses a finalized chapter.
type ChapterSummary struct {
	Chapter               string   `yaml:"chapter" json:"chapter"`
	VolumeID              string   `yaml:"volume_id" json:"volume_id"`
	Title                 string   `yaml:"title,omitempty" json:"title,omitempty"`
	WordCount             int      `yaml:"word_count" json:"word_count"`
	KeyEvents             []string `yaml:"key_events,omitempty" json:"key_events,omitempty"`
	NewFacts              []string `yaml:"new_facts,omitempty" json:"new_facts,omitempty"`
	CharacterStateChanges []string `yaml:"character_state_changes,omitempty" json:"character_state_changes,omitempty"`
	OpenLoops             []string `yaml:"open_loops,omitempty" json:"open_loops,omitempty"`
	BriefSummary          string   `yaml:"brief_summary,omitempty" json:"brief_summary,omitempty"`
	OrderIndex            *int     `yaml:"order_index,omitempty" json:"order_index,omitempty"`
}

// Volume is one ordered volume; V1 is auto-created.
type Volume struct {
	ID      string `yaml:"id" json:"id"`
	Title   string `yaml:"title,omitempty" json:"title,omitempty"`
	Summary string `yaml:"summary,omitempty" json:"summary,omitempty"`
	Order   int    `yaml:"order" json:"order"`
}

// VolumeSummary condenses a whole volume.
type VolumeSummary struct {
	VolumeID     string    `yaml:"volume_id" json:"volume_id"`
	BriefSummary string    `yaml:"brief_summary,omitempty" json:"brief_summary,omitempty"`
	KeyThemes    []string  `yaml:"key_themes,omitempty" json:"key_themes,omitempty"`
	MajorEvents  []string  `yaml:"major_events,omitempty" json:"major_events,omitempty"`
	ChapterCount int       `yaml:"chapter_count" json:"chapter_count"`
	CreatedAt    time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt    time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Evidence item types.
const (
	EvidenceFact        = "fact"
	EvidenceSummary     = "summary"
	EvidenceCharacter   = "character"
	EvidenceWorldRule   = "world_rule"
	EvidenceWorldEntity = "world_entity"
	EvidenceWorld       = "world"
	EvidenceStyle       = "style"
	EvidenceTextChunk   = "text_chunk"
	EvidenceMemory      = "memory"
)

// EvidenceSource locates where an evidence item came from.
type EvidenceSource struct {
	Chapter   string `json:"chapter,omitempty"`
	Path      string `json:"path,omitempty"`
	Field     string `json:"field,omitempty"`
	Card      string `json:"card,omitempty"`
	Draft     string `json:"draft,omitempty"`
	Paragraph int    `json:"paragraph,omitempty"`
	Window    int    `json:"window,omitempty"`
	Start     int    `json:"start,omitempty"`
	End       int    `json:"end,omitempty"`
}

// EvidenceMeta carries ranking inputs attached to an item.
type EvidenceMeta struct {
	DocLen int     `json:"doc_len,omitempty"`
	Stars  int     `json:"stars,omitempty"`
	BM25   float64 `json:"bm25,omitempty"`
	Rerank float64 `json:"rerank,omitempty"`
}

// EvidenceItem is one retrievable unit in an index.
type EvidenceItem struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Source   EvidenceSource `json:"source"`
	Scope    string         `json:"scope,omitempty"`
	Entities []string       `json:"entities,omitempty"`
	Meta     EvidenceMeta   `json:"meta,omitempty"`
	Score    float64        `json:"score,omitempty"`
}

// IndexMeta is the staleness record persisted beside each index file.
type IndexMeta struct {
	IndexName   string            `json:"index_name"`
	BuiltAt     time.Time         `json:"built_at"`
	ItemCount   int               `json:"item_count"`
	SourceMtime int64             `json:"source_mtime"`
	Details     map[string]string `json:"details,omitempty"`
}

// RetrievalRequest is one planned retrieval in a research round.
type RetrievalRequest struct {
	Queries []string `json:"queries"`
	Types   []string `json:"types,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Round   int      `json:"round,omitempty"`
}

// GapItem is a piece of missing information with suggested queries.
type GapItem struct {
	Text    string   `json:"text"`
	Queries []string `json:"queries,omitempty"`
}

// SufficiencyReport is the per-round judgment of whether retrieval supports
// writing.
type SufficiencyReport struct {
	Sufficient      bool     `json:"sufficient"`
	Score           float64  `json:"score,omitempty"`
	MissingEntities []string `json:"missing_entities,omitempty"`
	NeedsUserInput  bool     `json:"needs_user_input,omitempty"`
	Note            string   `json:"note,omitempty"`
}

// Question asks the user for a decision the research loop could not settle.
type Question struct {
	Type     string `json:"type"`
	Key      string `json:"key,omitempty"`
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// ResearchTraceEntry records one research round.
type ResearchTraceEntry struct {
	Round        int            `json:"round"`
	Queries      []string       `json:"queries,omitempty"`
	Types        []string       `json:"types,omitempty"`
	Count        int            `json:"count"`
	Hits         int            `json:"hits"`
	TopSources   []SourceDigest `json:"top_sources,omitempty"`
	ExtraQueries []string       `json:"extra_queries,omitempty"`
	StopReason   string         `json:"stop_reason,omitempty"`
	Note         string         `json:"note,omitempty"`
}

// SourceDigest is a compact pointer to where evidence came from.
type SourceDigest struct {
	Type    string `json:"type"`
	Chapter string `json:"chapter,omitempty"`
	Path    string `json:"path,omitempty"`
	Field   string `json:"field,omitempty"`
}

// CardSnapshot is the set of cards a memory pack was built against.
type CardSnapshot struct {
	Characters []CharacterCard `json:"characters,omitempty"`
	World      []WorldCard     `json:"world,omitempty"`
	Style      string          `json:"style,omitempty"`
}

// MemoryPackPayload is the research product attached to a pack.
type MemoryPackPayload struct {
	WorkingMemory      string               `json:"working_memory,omitempty"`
	EvidencePack       []EvidenceItem       `json:"evidence_pack,omitempty"`
	Gaps               []GapItem            `json:"gaps,omitempty"`
	UnresolvedGaps     []GapItem            `json:"unresolved_gaps,omitempty"`
	SeedEntities       []string             `json:"seed_entities,omitempty"`
	RetrievalRequests  []RetrievalRequest   `json:"retrieval_requests,omitempty"`
	SufficiencyReport  *SufficiencyReport   `json:"sufficiency_report,omitempty"`
	ResearchTrace      []ResearchTraceEntry `json:"research_trace,omitempty"`
	ResearchStopReason string               `json:"research_stop_reason,omitempty"`
	Questions          []Question           `json:"questions,omitempty"`
}

// IsEmpty reports whether the payload carries no research product at all.
func (p MemoryPackPayload) IsEmpty() bool {
	return p.WorkingMemory == "" && len(p.EvidencePack) == 0 && len(p.Gaps) == 0 &&
		len(p.RetrievalRequests) == 0 && p.SufficiencyReport == nil
}

// MemoryPackBrief is the compact brief reference stored inside a pack.
type MemoryPackBrief struct {
	Title string `json:"title,omitempty"`
	Goal  string `json:"goal,omitempty"`
}

// MemoryPack is the cached per-chapter research product.
type MemoryPack struct {
	Chapter      string            `json:"chapter"`
	BuiltAt      time.Time         `json:"built_at"`
	Source       string            `json:"source,omitempty"`
	ChapterGoal  string            `json:"chapter_goal,omitempty"`
	SceneBrief   MemoryPackBrief   `json:"scene_brief,omitempty"`
	CardSnapshot CardSnapshot      `json:"card_snapshot,omitempty"`
	Payload      MemoryPackPayload `json:"payload"`
	Note         string            `json:"note,omitempty"`
}

// BindingSource explains why an entity was bound to a chapter.
type BindingSource struct {
	Entity   string   `yaml:"entity" json:"entity"`
	Type     string   `yaml:"type" json:"type"`
	Count    int      `yaml:"count" json:"count"`
	Score    float64  `yaml:"score" json:"score"`
	Examples []string `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// ChapterBinding is the resolved entity set for one chapter.
type ChapterBinding struct {
	Chapter       string          `yaml:"chapter" json:"chapter"`
	Characters    []string        `yaml:"characters,omitempty" json:"characters,omitempty"`
	WorldEntities []string        `yaml:"world_entities,omitempty" json:"world_entities,omitempty"`
	WorldRules    []string        `yaml:"world_rules,omitempty" json:"world_rules,omitempty"`
	Sources       []BindingSource `yaml:"sources,omitempty" json:"sources,omitempty"`
	DraftPath     string          `yaml:"draft_path,omitempty" json:"draft_path,omitempty"`
	BuiltAt       time.Time       `yaml:"built_at" json:"built_at"`
}

// CardProposal is an entity the analysis pipeline suggests promoting to a
// card. Proposals of type "Character" are filtered by product policy.
type CardProposal struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SourceText  string `json:"source_text,omitempty"`
}

// ConflictReport records contradictions between new and existing canon.
type ConflictReport struct {
	Chapter   string     `yaml:"chapter" json:"chapter"`
	Conflicts []Conflict `yaml:"conflicts,omitempty" json:"conflicts,omitempty"`
	CreatedAt time.Time  `yaml:"created_at" json:"created_at"`
}

// Conflict is a single detected contradiction.
type Conflict struct {
	Kind     string `yaml:"kind" json:"kind"` // fact, timeline, state
	Existing string `yaml:"existing" json:"existing"`
	Incoming string `yaml:"incoming" json:"incoming"`
	Detail   string `yaml:"detail,omitempty" json:"detail,omitempty"`
}
