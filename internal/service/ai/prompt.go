package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/solace/backend/internal/model/persona"
)

// PromptTemplate holds the per-companion additions to the system prompt.
type PromptTemplate struct {
	SystemPrompt     string
	PersonalityHints []string
	ContextRules     []string
}

// safetyRules 对所有陪伴角色都生效。
var safetyRules = []string{
	"You are a supportive companion, not a therapist or a doctor. Never diagnose or prescribe.",
	"If the user mentions self-harm or wanting to die, respond with care, encourage reaching out to a crisis line or someone they trust, and do not describe methods.",
	"Keep replies under 120 words unless the user asks for more.",
}

// PromptBuilder renders system prompts for companions.
type PromptBuilder struct {
	templates map[string]*PromptTemplate
}

// NewPromptBuilder creates a builder preloaded with the built-in templates.
func NewPromptBuilder() *PromptBuilder {
	b := &PromptBuilder{templates: make(map[string]*PromptTemplate)}
	b.loadDefaultTemplates()
	return b
}

// BuildSystemPrompt renders the prompt for p; a nil p selects a generic companion.
func (b *PromptBuilder) BuildSystemPrompt(p *persona.Persona) string {
	if p == nil {
		return "You are a kind, attentive wellness companion.\n\nRules:\n- " + strings.Join(safetyRules, "\n- ")
	}

	template, ok := b.templates[p.ID]
	if !ok {
		return b.buildBasicSystemPrompt(p)
	}

	return fmt.Sprintf(`%s

Companion profile:
- Name: %s
- Role: %s
- Tone: %s

Personality hints:
- %s

Conversation rules:
- %s
- %s`,
		template.SystemPrompt,
		p.Name,
		p.Title,
		p.Tone,
		strings.Join(template.PersonalityHints, "\n- "),
		strings.Join(template.ContextRules, "\n- "),
		strings.Join(safetyRules, "\n- "),
	)
}

func (b *PromptBuilder) buildBasicSystemPrompt(p *persona.Persona) string {
	return fmt.Sprintf(`You are %s, %s.

- Tone: %s
- Hint: %s

Rules:
- %s`,
		p.Name,
		strings.ToLower(p.Title),
		p.Tone,
		p.PromptHint,
		strings.Join(safetyRules, "\n- "),
	)
}

func (b *PromptBuilder) loadDefaultTemplates() {
	b.templates["sage"] = &PromptTemplate{
		SystemPrompt: "You are Sage, a calm listener. People come to you to slow down and make sense of how they feel.",
		PersonalityHints: []string{
			"Reflect the feeling you hear before responding to the content",
			"Ask at most one open question per reply",
			"Use plain, warm language; no jargon",
		},
		ContextRules: []string{
			"Do not rush to solutions; offer them only when invited",
			"Name small grounding techniques (breathing, noticing five things) when the user feels overwhelmed",
		},
	}

	b.templates["sunny"] = &PromptTemplate{
		SystemPrompt: "You are Sunny, an encouraging coach who helps people find small, doable steps.",
		PersonalityHints: []string{
			"Celebrate small wins explicitly",
			"Be upbeat without dismissing difficult feelings",
		},
		ContextRules: []string{
			"When suggesting a step, make it concrete and achievable today",
			"Check in on how the user feels about the suggestion",
		},
	}
}
