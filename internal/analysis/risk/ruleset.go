package risk

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Weights 各类命中对分数的贡献。Protective 为扣减值（正数）。
type Weights struct {
	High       int `yaml:"high"`
	Medium     int `yaml:"medium"`
	Low        int `yaml:"low"`
	Contextual int `yaml:"contextual"`
	Protective int `yaml:"protective"`
}

// Thresholds map a raw score to detection and level.
type Thresholds struct {
	Detect int `yaml:"detect"`
	Medium int `yaml:"medium"`
	High   int `yaml:"high"`
}

type patternSpec struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type rulesFile struct {
	Version         string              `yaml:"version"`
	MinLength       int                 `yaml:"min_length"`
	Weights         Weights             `yaml:"weights"`
	Thresholds      Thresholds          `yaml:"thresholds"`
	ConfidenceScale int                 `yaml:"confidence_scale"`
	Phrases         map[string][]string `yaml:"phrases"`
	Contextual      []patternSpec       `yaml:"contextual"`
	Protective      []patternSpec       `yaml:"protective"`
}

// Pattern is a named, compiled regular expression.
type Pattern struct {
	Name string
	re   *regexp.Regexp
}

// MatchString reports whether the pattern matches normalized text.
func (p Pattern) MatchString(s string) bool {
	return p.re.MatchString(s)
}

// Ruleset 是评分函数依赖的全部数据：权重、阈值、短语表与正则。加载后只读。
type Ruleset struct {
	Version         string
	MinLength       int
	Weights         Weights
	Thresholds      Thresholds
	ConfidenceScale int
	Phrases         map[Level][]string
	Contextual      []Pattern
	Protective      []Pattern
}

// ParseRuleset decodes and validates a YAML rule table.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var raw rulesFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode risk rules: %w", err)
	}

	rs := &Ruleset{
		Version:         strings.TrimSpace(raw.Version),
		MinLength:       raw.MinLength,
		Weights:         raw.Weights,
		Thresholds:      raw.Thresholds,
		ConfidenceScale: raw.ConfidenceScale,
		Phrases:         make(map[Level][]string, 3),
	}

	for name, phrases := range raw.Phrases {
		level, err := ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("risk rules phrases: %w", err)
		}
		for _, phrase := range phrases {
			normalized := Normalize(phrase)
			if normalized == "" {
				continue
			}
			rs.Phrases[level] = append(rs.Phrases[level], normalized)
		}
	}

	var err error
	if rs.Contextual, err = compilePatterns("contextual", raw.Contextual); err != nil {
		return nil, err
	}
	if rs.Protective, err = compilePatterns("protective", raw.Protective); err != nil {
		return nil, err
	}

	if err := rs.validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// LoadRulesetFile reads a rule table override from disk.
func LoadRulesetFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk rules %s: %w", path, err)
	}
	return ParseRuleset(data)
}

var (
	defaultOnce    sync.Once
	defaultRuleset *Ruleset
)

// DefaultRuleset returns the rule table compiled into the binary.
// It panics if the embedded table is invalid, which only a broken build can cause.
func DefaultRuleset() *Ruleset {
	defaultOnce.Do(func() {
		rs, err := ParseRuleset(defaultRules)
		if err != nil {
			panic(fmt.Sprintf("embedded risk rules invalid: %v", err))
		}
		defaultRuleset = rs
	})
	return defaultRuleset
}

func compilePatterns(kind string, specs []patternSpec) ([]Pattern, error) {
	patterns := make([]Pattern, 0, len(specs))
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("risk rules %s pattern without name", kind)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("risk rules %s pattern %s: %w", kind, name, err)
		}
		patterns = append(patterns, Pattern{Name: name, re: re})
	}
	return patterns, nil
}

func (rs *Ruleset) validate() error {
	w := rs.Weights
	if w.High <= 0 || w.Medium <= 0 || w.Low <= 0 || w.Contextual <= 0 || w.Protective < 0 {
		return fmt.Errorf("risk rules: weights must be positive, got %+v", w)
	}
	t := rs.Thresholds
	if t.Detect <= 0 || t.Medium < t.Detect || t.High < t.Medium {
		return fmt.Errorf("risk rules: thresholds must satisfy 0 < detect <= medium <= high, got %+v", t)
	}
	if rs.ConfidenceScale <= 0 {
		return fmt.Errorf("risk rules: confidence_scale must be positive")
	}
	if rs.MinLength < 0 {
		return fmt.Errorf("risk rules: min_length must not be negative")
	}
	if len(rs.Phrases[High]) == 0 {
		return fmt.Errorf("risk rules: high phrase list is empty")
	}
	return nil
}

// PhraseCount returns how many phrases the table holds for a level.
func (rs *Ruleset) PhraseCount(level Level) int {
	return len(rs.Phrases[level])
}
