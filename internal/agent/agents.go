package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
)

// Agent role names, used for provider assignment and budgeting.
const (
	RoleArchivist = "archivist"
	RoleWriter    = "writer"
	RoleEditor    = "editor"
	RoleExtractor = "extractor"
)

// base carries the shared plumbing of one role agent.
type base struct {
	role   string
	gw     *Gateway
	logger *slog.Logger
}

func (b base) chat(ctx context.Context, system, user string, temperature float64) (string, error) {
	providerID := b.gw.ProviderForAgent(b.role)
	messages := []Message{}
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, Message{Role: RoleUser, Content: user})
	result, err := b.gw.Chat(ctx, providerID, ChatRequest{
		Messages:    messages,
		Temperature: temperature,
		Retry:       true,
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func (b base) offline() bool { return b.gw.IsMock(b.role) }

// Archivist maintains canon: briefs, summaries, fact extraction, style.
type Archivist struct{ base }

// Writer produces draft prose and research plans.
type Writer struct{ base }

// Editor revises drafts against feedback.
type Editor struct{ base }

// Extractor pulls card proposals out of raw text.
type Extractor struct{ base }

// NewArchivist creates the archivist agent.
func NewArchivist(gw *Gateway, logger *slog.Logger) *Archivist {
	return &Archivist{newBase(RoleArchivist, gw, logger)}
}

// NewWriter creates the writer agent.
func NewWriter(gw *Gateway, logger *slog.Logger) *Writer {
	return &Writer{newBase(RoleWriter, gw, logger)}
}

// NewEditor creates the editor agent.
func NewEditor(gw *Gateway, logger *slog.Logger) *Editor {
	return &Editor{newBase(RoleEditor, gw, logger)}
}

// NewExtractor creates the extractor agent.
func NewExtractor(gw *Gateway, logger *slog.Logger) *Extractor {
	return &Extractor{newBase(RoleExtractor, gw, logger)}
}

func newBase(role string, gw *Gateway, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{role: role, gw: gw, logger: logger.With("component", "agent", "role", role)}
}

// Offline reports whether the agent runs on the deterministic provider.
func (b base) Offline() bool { return b.offline() }

// ---- Archivist ----

const archivistSystem = "你是小说项目的档案员，负责整理设定、事实与章节摘要。输出严格遵循要求的格式，不要添加多余解释。"

// GenerateBrief produces a scene brief for the chapter. Offline mode builds
// a deterministic brief from the inputs.
func (a *Archivist) GenerateBrief(ctx context.Context, chapter, title, goal string, wordCount int, characters []string, evidence string) (domain.SceneBrief, error) {
	brief := domain.SceneBrief{Chapter: chapter, Title: title, Goal: goal}
	for _, name := range characters {
		brief.Characters = append(brief.Characters, domain.SceneBriefCharacter{Name: name})
	}
	if a.offline() {
		return brief, nil
	}

	prompt := fmt.Sprintf(`为章节 %s 生成写作简报（YAML）。
标题：%s
目标：%s
目标字数：%d
出场人物：%s

已知背景：
%s

输出YAML字段：chapter, title, goal, characters（name/relevant_traits）, world_constraints, facts, style_reminder, forbidden。`,
		chapter, title, goal, wordCount, strings.Join(characters, "、"), evidence)

	raw, err := a.chat(ctx, archivistSystem, prompt, 0.4)
	if err != nil {
		a.logger.Warn("brief generation failed, using deterministic brief", "chapter", chapter, "error", err)
		return brief, nil
	}
	var parsed domain.SceneBrief
	if derr := DecodeYAML(raw, &parsed); derr != nil {
		a.logger.Warn("brief parse failed, using deterministic brief", "chapter", chapter, "error", derr)
		return brief, nil
	}
	parsed.Chapter = chapter
	if parsed.Title == "" {
		parsed.Title = title
	}
	if parsed.Goal == "" {
		parsed.Goal = goal
	}
	return parsed, nil
}

// SummarizeChapter produces a chapter summary; on parse failure or offline
// it falls back to a rule-based digest.
func (a *Archivist) SummarizeChapter(ctx context.Context, chapter, content string) (domain.ChapterSummary, error) {
	if !a.offline() {
		prompt := fmt.Sprintf(`总结章节 %s。输出YAML字段：brief_summary（不超过三句）, key_events（列表）, open_loops（列表）。

正文：
%s`, chapter, content)
		raw, err := a.chat(ctx, archivistSystem, prompt, 0.3)
		if err == nil {
			var parsed domain.ChapterSummary
			if derr := DecodeYAML(raw, &parsed); derr == nil && strings.TrimSpace(parsed.BriefSummary) != "" {
				parsed.Chapter = chapter
				return parsed, nil
			}
			a.logger.Warn("summary parse failed, using rule fallback", "chapter", chapter)
		} else {
			a.logger.Warn("summary generation failed, using rule fallback", "chapter", chapter, "error", err)
		}
	}
	return ruleSummary(chapter, content), nil
}

// ruleSummary digests content without a model: first sentences as brief,
// longest sentences as key events.
func ruleSummary(chapter, content string) domain.ChapterSummary {
	sentences := splitProse(content)
	summary := domain.ChapterSummary{Chapter: chapter}
	head := sentences
	if len(head) > 3 {
		head = head[:3]
	}
	summary.BriefSummary = strings.Join(head, "")
	for _, s := range sentences {
		if len([]rune(s)) >= 15 && len(summary.KeyEvents) < 5 {
			summary.KeyEvents = append(summary.KeyEvents, s)
		}
	}
	return summary
}

// ExtractFacts pulls at most maxFacts canonical statements from content.
// Offline extraction picks declarative sentences heuristically.
func (a *Archivist) ExtractFacts(ctx context.Context, chapter, content string, maxFacts int) ([]string, error) {
	if maxFacts <= 0 {
		maxFacts = 5
	}
	if !a.offline() {
		prompt := fmt.Sprintf(`从章节 %s 中提取不超过%d条新的既定事实（世界观、人物关系、不可逆事件）。输出JSON：{"facts":["…"]}。

正文：
%s`, chapter, maxFacts, content)
		raw, err := a.chat(ctx, archivistSystem, prompt, 0.2)
		if err == nil {
			var parsed struct {
				Facts []string `json:"facts"`
			}
			if derr := DecodeJSON(raw, &parsed); derr == nil && len(parsed.Facts) > 0 {
				if len(parsed.Facts) > maxFacts {
					parsed.Facts = parsed.Facts[:maxFacts]
				}
				return parsed.Facts, nil
			}
		} else {
			a.logger.Warn("fact extraction failed, using heuristic", "chapter", chapter, "error", err)
		}
	}
	return heuristicFacts(content, maxFacts), nil
}

// factMarkers flag sentences worth keeping as facts in offline mode.
var factMarkers = []string{"是", "成为", "死", "必须", "禁止", "发现", "决定", "约定"}

func heuristicFacts(content string, maxFacts int) []string {
	var out []string
	for _, s := range splitProse(content) {
		n := len([]rune(s))
		if n < 8 || n > 60 {
			continue
		}
		for _, m := range factMarkers {
			if strings.Contains(s, m) {
				out = append(out, s)
				break
			}
		}
		if len(out) >= maxFacts {
			break
		}
	}
	return out
}

// timeMarkers anchor a sentence on the story clock in offline extraction.
var timeMarkers = []string{
	"当夜", "当晚", "当天", "次日", "次晨", "翌日", "三日后", "三天后",
	"黎明", "清晨", "正午", "午后", "黄昏", "入夜", "深夜",
}

// movementVerbs precede a location in offline extraction.
var movementVerbs = []string{"前往", "抵达", "来到", "回到", "离开", "赶往", "进入", "退回"}

// ExtractTimeline pulls at most maxEvents timed events from content. Offline
// extraction keeps sentences carrying a time marker.
func (a *Archivist) ExtractTimeline(ctx context.Context, chapter, content string, known []string, maxEvents int) ([]domain.TimelineEvent, error) {
	if maxEvents <= 0 {
		maxEvents = 5
	}
	if !a.offline() {
		prompt := fmt.Sprintf(`从章节 %s 中提取不超过%d条有明确时间的事件。输出JSON：{"events":[{"time":"…","event":"…","participants":["…"],"location":"…"}]}。

正文：
%s`, chapter, maxEvents, content)
		raw, err := a.chat(ctx, archivistSystem, prompt, 0.2)
		if err == nil {
			var parsed struct {
				Events []domain.TimelineEvent `json:"events"`
			}
			if derr := DecodeJSON(raw, &parsed); derr == nil && len(parsed.Events) > 0 {
				if len(parsed.Events) > maxEvents {
					parsed.Events = parsed.Events[:maxEvents]
				}
				for i := range parsed.Events {
					parsed.Events[i].Source = chapter
				}
				return parsed.Events, nil
			}
		} else {
			a.logger.Warn("timeline extraction failed, using heuristic", "chapter", chapter, "error", err)
		}
	}
	return heuristicTimeline(chapter, content, known, maxEvents), nil
}

func heuristicTimeline(chapter, content string, known []string, maxEvents int) []domain.TimelineEvent {
	var out []domain.TimelineEvent
	for _, s := range splitProse(content) {
		marker := ""
		for _, m := range timeMarkers {
			if strings.Contains(s, m) {
				marker = m
				break
			}
		}
		if marker == "" {
			continue
		}
		ev := domain.TimelineEvent{
			Time:     marker,
			Event:    s,
			Location: locationAfterVerb(s),
			Source:   chapter,
		}
		for _, name := range known {
			if strings.Contains(s, name) {
				ev.Participants = append(ev.Participants, name)
			}
		}
		out = append(out, ev)
		if len(out) >= maxEvents {
			break
		}
	}
	return out
}

// ExtractCharacterStates snapshots the end-of-chapter state of the known
// characters that appear in content. Offline extraction records a state only
// when a movement verb pins a location.
func (a *Archivist) ExtractCharacterStates(ctx context.Context, chapter, content string, known []string) ([]domain.CharacterState, error) {
	if !a.offline() {
		prompt := fmt.Sprintf(`已知角色：%s。总结章节 %s 结束时每个出场角色的状态。输出JSON：{"states":[{"character":"…","location":"…","emotional_state":"…","goals":["…"]}]}。只输出有变化的角色。

正文：
%s`, strings.Join(known, "、"), chapter, content)
		raw, err := a.chat(ctx, archivistSystem, prompt, 0.2)
		if err == nil {
			var parsed struct {
				States []domain.CharacterState `json:"states"`
			}
			if derr := DecodeJSON(raw, &parsed); derr == nil && len(parsed.States) > 0 {
				var out []domain.CharacterState
				for _, st := range parsed.States {
					if strings.TrimSpace(st.Character) == "" {
						continue
					}
					st.LastSeen = chapter
					out = append(out, st)
				}
				return out, nil
			}
		} else {
			a.logger.Warn("state extraction failed, using heuristic", "chapter", chapter, "error", err)
		}
	}
	return heuristicStates(chapter, content, known), nil
}

func heuristicStates(chapter, content string, known []string) []domain.CharacterState {
	var out []domain.CharacterState
	for _, name := range known {
		if !strings.Contains(content, name) {
			continue
		}
		st := domain.CharacterState{Character: name, LastSeen: chapter}
		for _, s := range splitProse(content) {
			if !strings.Contains(s, name) {
				continue
			}
			if loc := locationAfterVerb(s); loc != "" {
				st.Location = loc
			}
		}
		if st.Location == "" {
			continue
		}
		out = append(out, st)
	}
	return out
}

// locationAfterVerb returns the ideograph run following the first movement
// verb, capped at six runes.
func locationAfterVerb(s string) string {
	runes := []rune(s)
	for _, verb := range movementVerbs {
		idx := strings.Index(s, verb)
		if idx < 0 {
			continue
		}
		start := len([]rune(s[:idx])) + len([]rune(verb))
		var loc []rune
		for i := start; i < len(runes) && len(loc) < 6; i++ {
			if !isIdeograph(runes[i]) || nameStopRunes[runes[i]] {
				break
			}
			loc = append(loc, runes[i])
		}
		if len(loc) >= 2 {
			return string(loc)
		}
	}
	return ""
}

// ExtractStyle distills a style description from sample prose.
func (a *Archivist) ExtractStyle(ctx context.Context, content string) (string, error) {
	if a.offline() {
		return offlineStyle(content), nil
	}
	prompt := fmt.Sprintf(`分析以下正文的写作风格（叙事视角、节奏、句式、用词倾向），输出一段不超过200字的风格描述，直接输出描述本身。

正文：
%s`, content)
	raw, err := a.chat(ctx, archivistSystem, prompt, 0.3)
	if err != nil {
		return offlineStyle(content), nil
	}
	return strings.TrimSpace(StripCodeFences(raw)), nil
}

func offlineStyle(content string) string {
	sentences := splitProse(content)
	avg := 0
	for _, s := range sentences {
		avg += len([]rune(s))
	}
	if len(sentences) > 0 {
		avg /= len(sentences)
	}
	pace := "长句铺陈"
	if avg < 20 {
		pace = "短句推进"
	}
	return fmt.Sprintf("第三人称叙事，%s，平均句长约%d字。", pace, avg)
}

// DetectProposals finds card-worthy entities heuristically. This path never
// calls the model.
func (a *Archivist) DetectProposals(text string, known map[string]bool) []domain.CardProposal {
	var out []domain.CardProposal
	seen := make(map[string]bool)
	for _, mention := range looseNameCandidates(text, 24) {
		if known[mention] || seen[mention] {
			continue
		}
		seen[mention] = true
		out = append(out, domain.CardProposal{
			Type:       "World",
			Name:       mention,
			SourceText: snippetAround(text, mention),
		})
	}
	return out
}

// ---- Writer ----

const writerSystem = "你是小说撰稿人。按照简报与既定事实写作，不得违反世界规则，正文直接输出，不要任何解释。"

// ResearchPlan is the writer's next-round retrieval plan.
type ResearchPlan struct {
	Queries []string `json:"queries"`
	Note    string   `json:"note,omitempty"`
}

// GenerateResearchPlan asks for the next round of retrieval queries.
// Offline mode folds the gap queries directly.
func (w *Writer) GenerateResearchPlan(ctx context.Context, goal string, gaps []domain.GapItem, stats map[string]int, round int) (ResearchPlan, error) {
	if w.offline() {
		var plan ResearchPlan
		for _, gap := range gaps {
			plan.Queries = append(plan.Queries, gap.Queries...)
		}
		plan.Queries = dedupStrings(plan.Queries, 8)
		plan.Note = "离线模式：直接使用缺口检索词"
		return plan, nil
	}
	var gapLines []string
	for _, gap := range gaps {
		gapLines = append(gapLines, "- "+gap.Text)
	}
	prompt := fmt.Sprintf(`写作目标：%s
当前是第%d轮检索。未解决的信息缺口：
%s
已检索统计：%v

为下一轮生成不超过6个中文检索词。输出JSON：{"queries":["…"],"note":"一句话说明"}。若无需继续检索，queries留空。`,
		goal, round, strings.Join(gapLines, "\n"), stats)

	raw, err := w.chat(ctx, writerSystem, prompt, 0.4)
	if err != nil {
		return ResearchPlan{}, fmt.Errorf("generating research plan: %w", err)
	}
	var plan ResearchPlan
	if derr := DecodeJSON(raw, &plan); derr != nil {
		return ResearchPlan{}, derr
	}
	plan.Queries = dedupStrings(plan.Queries, 8)
	return plan, nil
}

// StreamDraft streams chapter prose, emitting chunks through onChunk.
func (w *Writer) StreamDraft(ctx context.Context, guiding, informational string, onChunk func(string) error) (string, error) {
	providerID := w.gw.ProviderForAgent(w.role)
	messages := []Message{
		{Role: RoleSystem, Content: writerSystem},
		{Role: RoleUser, Content: guiding + "\n\n参考材料：\n" + informational},
	}
	result, err := w.gw.StreamChat(ctx, providerID, ChatRequest{Messages: messages, Temperature: 0.8, Retry: true}, onChunk)
	if err != nil {
		return "", fmt.Errorf("streaming draft: %w", err)
	}
	return result.Content, nil
}

// WriteDraft produces prose without streaming (the rewrite path).
func (w *Writer) WriteDraft(ctx context.Context, guiding, informational, feedback string) (string, error) {
	user := guiding + "\n\n参考材料：\n" + informational
	if feedback != "" {
		user += "\n\n用户最新指令：" + feedback
	}
	out, err := w.chat(ctx, writerSystem, user, 0.8)
	if err != nil {
		return "", fmt.Errorf("writing draft: %w", err)
	}
	return out, nil
}

// confirmationMarkers introduce points the writer wants the user to settle.
var confirmationMarkers = []string{"【待确认】", "【存疑】", "TODO:", "待定："}

// ExtractConfirmations lists the open points a draft flags for the user.
func (w *Writer) ExtractConfirmations(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for _, marker := range confirmationMarkers {
			idx := strings.Index(line, marker)
			if idx < 0 {
				continue
			}
			item := strings.TrimSpace(line[idx+len(marker):])
			if item != "" {
				out = append(out, item)
			}
		}
	}
	return dedupStrings(out, 12)
}

// RerankChunks implements semantic rerank for the text-chunk index. The
// deterministic provider cannot rerank and returns an error so BM25 order
// stands.
func (w *Writer) RerankChunks(ctx context.Context, query string, docs []index.RerankDoc) (map[string]float64, error) {
	if w.offline() {
		return nil, fmt.Errorf("rerank unavailable offline")
	}
	var docLines []string
	for _, d := range docs {
		docLines = append(docLines, fmt.Sprintf(`{"id":%q,"text":%q}`, d.ID, d.Text))
	}
	prompt := fmt.Sprintf(`对以下片段按与检索意图的相关性打分（0到1）。检索意图：%s
片段：
%s
输出JSON：{"scores":[{"id":"…","score":0.0}]}`, query, strings.Join(docLines, "\n"))

	raw, err := w.chat(ctx, writerSystem, prompt, 0.1)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Scores []struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		} `json:"scores"`
	}
	if derr := DecodeJSON(raw, &parsed); derr != nil {
		return nil, derr
	}
	out := make(map[string]float64, len(parsed.Scores))
	for _, s := range parsed.Scores {
		out[s.ID] = s.Score
	}
	return out, nil
}

// ---- Editor ----

const editorSystem = "你是小说编辑。按用户反馈修改草稿，保持原有风格与既定事实，输出完整修改后的正文。"

// Revise rewrites draft according to feedback. Offline mode appends the
// feedback as an editorial note so the pipeline stays exercisable.
func (e *Editor) Revise(ctx context.Context, draft, feedback string, rejectedEntities []string, packContext string) (string, error) {
	if e.offline() {
		return draft + "\n\n（按反馈修订：" + feedback + "）", nil
	}
	var sb strings.Builder
	sb.WriteString("当前草稿：\n")
	sb.WriteString(draft)
	sb.WriteString("\n\n用户反馈：\n")
	sb.WriteString(feedback)
	if len(rejectedEntities) > 0 {
		sb.WriteString("\n\n不得出现的实体：" + strings.Join(rejectedEntities, "、"))
	}
	if packContext != "" {
		sb.WriteString("\n\n背景材料：\n" + packContext)
	}
	out, err := e.chat(ctx, editorSystem, sb.String(), 0.6)
	if err != nil {
		return "", fmt.Errorf("revising draft: %w", err)
	}
	return strings.TrimSpace(StripCodeFences(out)), nil
}

// SuggestRevision is the non-persistent edit path.
func (e *Editor) SuggestRevision(ctx context.Context, original, instruction string, rejectedEntities []string, packContext string) (string, error) {
	return e.Revise(ctx, original, instruction, rejectedEntities, packContext)
}

// ---- Extractor ----

const extractorSystem = "你从文本中提取角色与世界观设定卡，输出严格的JSON。"

// ExtractCards proposes cards from raw text. Offline mode uses the loose
// name heuristic.
func (x *Extractor) ExtractCards(ctx context.Context, content string) ([]domain.CardProposal, error) {
	if x.offline() {
		var out []domain.CardProposal
		for _, name := range looseNameCandidates(content, 8) {
			out = append(out, domain.CardProposal{Type: "World", Name: name, SourceText: snippetAround(content, name)})
		}
		return out, nil
	}
	prompt := fmt.Sprintf(`从以下文本提取值得立卡的实体。输出JSON：{"proposals":[{"type":"Character|World","name":"…","description":"…"}]}。

文本：
%s`, content)
	raw, err := x.chat(ctx, extractorSystem, prompt, 0.2)
	if err != nil {
		return nil, fmt.Errorf("extracting cards: %w", err)
	}
	var parsed struct {
		Proposals []domain.CardProposal `json:"proposals"`
	}
	if derr := DecodeJSON(raw, &parsed); derr != nil {
		return nil, derr
	}
	return parsed.Proposals, nil
}

// ---- shared helpers ----

func splitProse(text string) []string {
	var out []string
	var cur []rune
	for _, r := range text {
		cur = append(cur, r)
		switch r {
		case '。', '！', '？', '!', '?':
			s := strings.TrimSpace(string(cur))
			if s != "" {
				out = append(out, s)
			}
			cur = cur[:0]
		}
	}
	if s := strings.TrimSpace(string(cur)); s != "" {
		out = append(out, s)
	}
	return out
}

func dedupStrings(in []string, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// nameStopRunes are particles and pronouns that bound a name run.
var nameStopRunes = map[rune]bool{
	'的': true, '了': true, '是': true, '在': true, '和': true, '与': true,
	'又': true, '也': true, '都': true, '着': true, '过': true, '向': true,
	'从': true, '被': true, '把': true, '他': true, '她': true, '它': true,
	'我': true, '你': true, '这': true, '那': true, '个': true,
}

// looseNameCandidates finds 2-4 ideograph sequences that repeat at least
// twice, longest match first so 黑水寨 wins over its own fragments.
func looseNameCandidates(text string, limit int) []string {
	counts := make(map[string]int)
	var order []string
	bump := func(s string) {
		if counts[s] == 0 {
			order = append(order, s)
		}
		counts[s]++
	}
	var run []rune
	flush := func() {
		for n := 2; n <= 4; n++ {
			for i := 0; i+n <= len(run); i++ {
				bump(string(run[i : i+n]))
			}
		}
		run = run[:0]
	}
	for _, r := range text {
		if isIdeograph(r) && !nameStopRunes[r] {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()

	var out []string
	for n := 4; n >= 2; n-- {
		for _, name := range order {
			if len([]rune(name)) != n || counts[name] < 2 {
				continue
			}
			contained := false
			for _, picked := range out {
				if strings.Contains(picked, name) {
					contained = true
					break
				}
			}
			if contained {
				continue
			}
			out = append(out, name)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

func isIdeograph(r rune) bool { return r >= 0x4E00 && r <= 0x9FFF }

func snippetAround(text, needle string) string {
	runes := []rune(text)
	needleRunes := []rune(needle)
	for i := 0; i+len(needleRunes) <= len(runes); i++ {
		if string(runes[i:i+len(needleRunes)]) != needle {
			continue
		}
		lo := i - 12
		if lo < 0 {
			lo = 0
		}
		hi := i + len(needleRunes) + 12
		if hi > len(runes) {
			hi = len(runes)
		}
		return strings.TrimSpace(string(runes[lo:hi]))
	}
	return ""
}
