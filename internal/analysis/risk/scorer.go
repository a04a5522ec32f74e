package risk

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// ContextualSignal is the generic label recorded for any contextual pattern hit.
const ContextualSignal = "contextual_pattern"

// Assessment 是单条消息的风险评估结果，每条消息重新计算，不原样持久化。
type Assessment struct {
	Detected   bool     `json:"detected"`
	Level      Level    `json:"level"`
	Signals    []string `json:"triggeredSignals"`
	Confidence int      `json:"confidence"`
	Score      int      `json:"score"`
	// Patterns 记录命中的上下文规则名，Protective 记录命中的保护性规则名。
	Patterns   []string `json:"patterns,omitempty"`
	Protective []string `json:"protective,omitempty"`
}

// Scorer evaluates text against a fixed Ruleset. Safe for concurrent use.
type Scorer struct {
	rules *Ruleset
}

// NewScorer binds a scorer to rs; a nil rs selects the embedded table.
func NewScorer(rs *Ruleset) *Scorer {
	if rs == nil {
		rs = DefaultRuleset()
	}
	return &Scorer{rules: rs}
}

// Rules exposes the active table.
func (s *Scorer) Rules() *Ruleset {
	return s.rules
}

var quoteReplacer = strings.NewReplacer("’", "'", "‘", "'", "“", "\"", "”", "\"")

// Normalize lowercases and trims text. Curly quotes are folded so that "can’t" matches "can't".
func Normalize(text string) string {
	return strings.TrimSpace(strings.ToLower(quoteReplacer.Replace(text)))
}

// Score 对文本打分。纯函数：相同输入总是得到相同结果。
func (s *Scorer) Score(text string) Assessment {
	rs := s.rules
	normalized := Normalize(text)
	if utf8.RuneCountInString(normalized) < rs.MinLength {
		return Assessment{Detected: false, Level: Low, Signals: []string{}, Confidence: 0}
	}

	var (
		score    int
		observed Level
		signals  []string
		patterns []string
		guards   []string
	)

	hits := rs.matchPhrases(normalized)
	for _, level := range []Level{High, Medium, Low} {
		weight := rs.weightFor(level)
		for _, phrase := range rs.Phrases[level] {
			if hits[phrase] {
				score += weight
				signals = append(signals, phrase)
				observed = maxLevel(observed, level)
			}
		}
	}

	for _, p := range rs.Contextual {
		if p.MatchString(normalized) {
			score += rs.Weights.Contextual
			signals = append(signals, ContextualSignal)
			patterns = append(patterns, p.Name)
			observed = maxLevel(observed, Medium)
		}
	}

	for _, p := range rs.Protective {
		if p.MatchString(normalized) {
			score -= rs.Weights.Protective
			guards = append(guards, p.Name)
		}
	}
	if score < 0 {
		score = 0
	}

	result := Assessment{
		Detected:   score >= rs.Thresholds.Detect,
		Level:      Low,
		Signals:    dedupe(signals),
		Confidence: rs.confidence(score),
		Score:      score,
		Patterns:   dedupe(patterns),
		Protective: guards,
	}
	if !result.Detected {
		return result
	}

	result.Level = rs.levelForScore(score)
	// 没有保护性因素时，命中的最高词典级别不会被分数拉低。
	if len(guards) == 0 {
		result.Level = maxLevel(result.Level, observed)
	}
	return result
}

// matchPhrases 返回命中的短语。较长的短语先占位，
// 完全落在已命中区间内的短语（如 "give up on life" 里的 "give up"）不再计分。
func (rs *Ruleset) matchPhrases(normalized string) map[string]bool {
	var phrases []string
	for _, level := range []Level{High, Medium, Low} {
		phrases = append(phrases, rs.Phrases[level]...)
	}
	sort.SliceStable(phrases, func(i, j int) bool { return len(phrases[i]) > len(phrases[j]) })

	hits := make(map[string]bool)
	var taken [][2]int
	for _, phrase := range phrases {
		if phrase == "" {
			continue
		}
		var fresh [][2]int
		for from := 0; from <= len(normalized)-len(phrase); {
			i := strings.Index(normalized[from:], phrase)
			if i < 0 {
				break
			}
			span := [2]int{from + i, from + i + len(phrase)}
			if !covered(taken, span) {
				fresh = append(fresh, span)
			}
			from = span[0] + 1
		}
		if len(fresh) > 0 {
			hits[phrase] = true
			taken = append(taken, fresh...)
		}
	}
	return hits
}

func covered(taken [][2]int, span [2]int) bool {
	for _, t := range taken {
		if t[0] <= span[0] && span[1] <= t[1] {
			return true
		}
	}
	return false
}

func (rs *Ruleset) weightFor(level Level) int {
	switch level {
	case High:
		return rs.Weights.High
	case Medium:
		return rs.Weights.Medium
	default:
		return rs.Weights.Low
	}
}

func (rs *Ruleset) levelForScore(score int) Level {
	switch {
	case score >= rs.Thresholds.High:
		return High
	case score >= rs.Thresholds.Medium:
		return Medium
	default:
		return Low
	}
}

func (rs *Ruleset) confidence(score int) int {
	c := int(math.Round(float64(score) / float64(rs.ConfidenceScale) * 100))
	if c > 100 {
		return 100
	}
	return c
}

func dedupe(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
