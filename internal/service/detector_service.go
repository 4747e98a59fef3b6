package service

import (
	"context"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/internal/repository"
	"gamehub-go/pkg/embedding"
	"gamehub-go/pkg/log"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Confidence 是游戏识别的置信度。只有 high 会触发自动建立标签页。
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
	ConfidenceNone Confidence = "none"
)

// Detection 是一次识别的结果。Identity 为 nil 时表示没有识别出游戏。
type Detection struct {
	Identity   *GameIdentity `json:"identity,omitempty"`
	Confidence Confidence    `json:"confidence"`
	Fullscreen bool          `json:"fullscreen"`
	Unreleased bool          `json:"unreleased"`
}

// GameDetector 从消息文本和截图上下文中识别游戏。识别失败时返回 ConfidenceNone，从不报错。
type GameDetector interface {
	Classify(ctx context.Context, userID uint, text string, shot *model.ScreenshotContext) Detection
}

var (
	// "I'm playing Elden Ring", "stuck in Hollow Knight", "just beat Hades"
	explicitPattern  = regexp.MustCompile(`(?i)\b(?:playing|play|played|beat|beating|finished|finishing|started|starting|stuck in|progress in)\s+(.+?)(?:\s+(?:right now|now|again|today|currently|at the moment|lately)\b|[.!?,;:()]|\s+(?:and|but|where|how|what|when|can|could|any|is|it|because|since)\b|$)`)
	quotedPattern    = regexp.MustCompile(`["“]([^"”]{2,60})["”]`)
	titleCasePattern = regexp.MustCompile(`\b([A-Z][\w'’:\-]*(?:\s+(?:of|the|and|[A-Z0-9][\w'’:\-]*))*\s+[A-Z0-9][\w'’:\-]*)\b`)
)

// 明确句式后面的这些词说明玩家说的不是游戏名
var candidateStopWords = map[string]bool{
	"a": true, "an": true, "with": true, "around": true, "for": true, "it": true, "this": true,
	"that": true, "on": true, "online": true, "games": true, "game": true, "video": true,
	"some": true, "my": true, "me": true, "you": true, "them": true, "something": true,
	"again": true, "now": true, "too": true, "all": true, "more": true,
	"next": true, "over": true, "since": true, "through": true, "until": true, "till": true,
	"up": true, "out": true, "off": true, "well": true, "better": true, "by": true,
	"from": true, "in": true, "at": true, "to": true, "as": true, "along": true,
	"together": true, "lately": true, "today": true, "tonight": true, "yesterday": true,
	"recently": true, "before": true, "after": true, "when": true, "while": true,
	"so": true, "instead": true, "here": true, "there": true, "first": true, "last": true,
}

// 标题中可以小写的连接词
var titleConnectives = map[string]bool{
	"of": true, "the": true, "and": true, "a": true, "an": true, "in": true, "on": true,
	"to": true, "for": true, "at": true, "or": true, "de": true, "vs": true,
}

// 单独出现时不当作游戏名的常见词，即使首字母大写
var commonSingleWords = map[string]bool{
	"morning": true, "evening": true, "night": true, "weekend": true, "work": true,
	"school": true, "home": true, "everything": true, "nothing": true, "anything": true,
	"games": true, "game": true, "stuff": true, "friends": true, "people": true,
	"boss": true, "level": true, "chapter": true, "mission": true, "quest": true,
}

const maxCandidateWords = 8

type candidate struct {
	text     string
	explicit bool
	// proper 表示候选带引号或是标题格式，目录不可用时只有这类候选可以是高置信度
	proper bool
}

type gameDetector struct {
	store    ConversationStore
	catalog  repository.GameCatalog
	embedder embedding.Client
	cfg      config.DetectorConfig
	now      func() time.Time
}

// NewGameDetector 创建游戏识别器。catalog 与 embedder 可以为 nil。
func NewGameDetector(store ConversationStore, catalog repository.GameCatalog, embedder embedding.Client, cfg config.DetectorConfig) GameDetector {
	return &gameDetector{
		store:    store,
		catalog:  catalog,
		embedder: embedder,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (d *gameDetector) Classify(ctx context.Context, userID uint, text string, shot *model.ScreenshotContext) Detection {
	det := Detection{Confidence: ConfidenceNone}
	sources := []string{text}
	if shot != nil {
		det.Fullscreen = shot.Fullscreen
		if strings.TrimSpace(shot.Text) != "" {
			sources = append(sources, shot.Text)
		}
	}

	// 1. 已有标签页
	if id := d.matchExistingTab(ctx, userID, sources); id != nil {
		det.Identity = id
		det.Confidence = ConfidenceHigh
		det.Unreleased = id.Unreleased
		return det
	}

	// 2. 候选短语 + 游戏目录
	var cands []candidate
	seen := make(map[string]int)
	for _, src := range sources {
		for _, c := range extractCandidates(src) {
			key := NormalizeGameName(c.text)
			if key == "" {
				continue
			}
			if i, ok := seen[key]; ok {
				cands[i].explicit = cands[i].explicit || c.explicit
				cands[i].proper = cands[i].proper || c.proper
				continue
			}
			seen[key] = len(cands)
			cands = append(cands, c)
		}
	}

	best := d.matchCandidates(ctx, cands)
	if best == nil && d.embedder != nil && d.catalog != nil {
		best = d.semanticFallback(ctx, strings.Join(sources, "\n"))
	}
	if best != nil {
		det.Identity = best.Identity
		det.Confidence = best.Confidence
		det.Unreleased = best.Unreleased
	}
	return det
}

// matchExistingTab 在消息中查找用户已有标签页的游戏名，多个命中时取最长的名字。
func (d *gameDetector) matchExistingTab(ctx context.Context, userID uint, sources []string) *GameIdentity {
	if d.store == nil {
		return nil
	}
	tabs, err := d.store.Conversations(ctx, userID)
	if err != nil {
		return nil
	}

	padded := make([]string, 0, len(sources))
	for _, src := range sources {
		padded = append(padded, " "+NormalizeGameName(src)+" ")
	}

	var best *model.Conversation
	for i := range tabs {
		if tabs[i].GameKey == nil || *tabs[i].GameKey == "" {
			continue
		}
		needle := " " + *tabs[i].GameKey + " "
		for _, hay := range padded {
			if strings.Contains(hay, needle) && (best == nil || len(*tabs[i].GameKey) > len(*best.GameKey)) {
				best = &tabs[i]
			}
		}
	}
	if best == nil {
		return nil
	}
	return &GameIdentity{
		Name:           best.GameName,
		Genre:          best.Genre,
		CoverURL:       best.CoverURL,
		Unreleased:     best.Unreleased,
		ConversationID: best.ID,
	}
}

// matchCandidates 依次检查候选短语，精确命中目录立即返回高置信度。
// 目录不可用时，只有明确句式中像专有名词的名字视为高置信度，其余只作为低置信度提示。
func (d *gameDetector) matchCandidates(ctx context.Context, cands []candidate) *Detection {
	var low *Detection
	for _, c := range cands {
		key := NormalizeGameName(c.text)
		hits, ok := d.searchCatalog(ctx, c.text)
		if !ok {
			if c.explicit && c.proper {
				return &Detection{Identity: &GameIdentity{Name: titleize(c.text)}, Confidence: ConfidenceHigh}
			}
			if low == nil {
				low = &Detection{Identity: &GameIdentity{Name: titleize(c.text)}, Confidence: ConfidenceLow}
			}
			continue
		}

		hit, strength := bestCatalogMatch(key, hits, d.cfg.FuzzyMaxDistance)
		switch strength {
		case matchExact:
			return d.fromCatalog(hit, ConfidenceHigh)
		case matchFuzzy:
			if low == nil {
				low = d.fromCatalog(hit, ConfidenceLow)
			}
		}
	}
	return low
}

func (d *gameDetector) fromCatalog(hit *model.GameInfo, c Confidence) *Detection {
	unreleased := !hit.Released(d.now())
	return &Detection{
		Identity: &GameIdentity{
			Name:       hit.Name,
			Genre:      hit.Genre,
			CoverURL:   hit.CoverURL,
			Unreleased: unreleased,
		},
		Confidence: c,
		Unreleased: unreleased,
	}
}

// searchCatalog 返回 ok=false 表示目录未配置或查询失败。
func (d *gameDetector) searchCatalog(ctx context.Context, query string) ([]model.GameInfo, bool) {
	if d.catalog == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, catalogLookupTimeout)
	defer cancel()
	hits, err := d.catalog.Search(ctx, query, d.topK())
	if err != nil {
		log.Warnf("[GameDetector] 游戏目录查询失败: query=%s, error: %v", query, err)
		return nil, false
	}
	return hits, true
}

// semanticFallback 用向量检索给出低置信度的建议，不会触发建立标签页。
func (d *gameDetector) semanticFallback(ctx context.Context, text string) *Detection {
	ctx, cancel := context.WithTimeout(ctx, catalogLookupTimeout)
	defer cancel()

	vec, err := d.embedder.CreateEmbedding(ctx, text)
	if err != nil {
		log.Warnf("[GameDetector] 生成向量失败: %v", err)
		return nil
	}
	hits, err := d.catalog.SearchByVector(ctx, vec, 1)
	if err != nil || len(hits) == 0 {
		return nil
	}
	if hits[0].Score < d.cfg.CatalogMinScore {
		return nil
	}
	return d.fromCatalog(&hits[0], ConfidenceLow)
}

func (d *gameDetector) topK() int {
	if d.cfg.CatalogTopK > 0 {
		return d.cfg.CatalogTopK
	}
	return 5
}

// extractCandidates 从文本中提取可能的游戏名，明确句式优先。
func extractCandidates(text string) []candidate {
	var out []candidate
	for _, m := range explicitPattern.FindAllStringSubmatch(text, -1) {
		if c, ok := cleanCandidate(m[1]); ok {
			out = append(out, candidate{text: c, explicit: true, proper: looksLikeTitle(c)})
		}
	}
	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		if c, ok := cleanCandidate(m[1]); ok {
			out = append(out, candidate{text: c, explicit: true, proper: !isCommonSingleWord(c)})
		}
	}
	for _, m := range titleCasePattern.FindAllStringSubmatch(text, -1) {
		if c, ok := cleanCandidate(m[1]); ok {
			out = append(out, candidate{text: c})
		}
	}
	// 很短的消息本身可能就是游戏名
	if words := strings.Fields(text); len(words) > 0 && len(words) <= 4 {
		if c, ok := cleanCandidate(text); ok {
			out = append(out, candidate{text: c})
		}
	}
	return out
}

func cleanCandidate(s string) (string, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"'“”.,!?`)
	words := strings.Fields(s)
	if len(words) == 0 || len(words) > maxCandidateWords || utf8.RuneCountInString(s) > model.MaxNameLength {
		return "", false
	}
	if candidateStopWords[strings.ToLower(words[0])] {
		return "", false
	}
	if strings.EqualFold(words[0], "the") && len(words) == 1 {
		return "", false
	}
	return strings.Join(words, " "), true
}

// looksLikeTitle 判断候选是否像标题：实词首字母大写或以数字开头，且不是单个常见词。
func looksLikeTitle(s string) bool {
	words := strings.Fields(s)
	if len(words) == 0 || isCommonSingleWord(s) {
		return false
	}
	for i, w := range words {
		r := []rune(w)
		switch {
		case unicode.IsUpper(r[0]) || unicode.IsDigit(r[0]):
		case i > 0 && titleConnectives[strings.ToLower(w)]:
		default:
			return false
		}
	}
	return true
}

func isCommonSingleWord(s string) bool {
	words := strings.Fields(s)
	if len(words) != 1 {
		return false
	}
	w := strings.ToLower(words[0])
	return candidateStopWords[w] || commonSingleWords[w]
}

// titleize 把全小写的输入转成标题格式，已有大写的保持原样。
func titleize(s string) string {
	if s != strings.ToLower(s) {
		return s
	}
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[:1])) + string(r[1:])
	}
	return strings.Join(words, " ")
}
