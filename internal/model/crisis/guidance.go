package crisis

import "github.com/zhouzirui/solace/backend/internal/analysis/risk"

// ContactOption is one way of reaching help shown on the intervention surface.
type ContactOption struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Detail string `json:"detail"`
	Action string `json:"action"`
}

// Guidance 是某个严重等级下展示给用户的内容。
type Guidance struct {
	Severity risk.Level      `json:"severity"`
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	Contacts []ContactOption `json:"contacts"`
}

var (
	emergencyContact = ContactOption{
		ID:     "emergency",
		Label:  "Call emergency services",
		Detail: "If you are in immediate danger, call 911 or your local emergency number now.",
		Action: "tel:911",
	}
	lifelineContact = ContactOption{
		ID:     "lifeline",
		Label:  "988 Suicide & Crisis Lifeline",
		Detail: "Call or text 988, available 24/7.",
		Action: "tel:988",
	}
	textLineContact = ContactOption{
		ID:     "crisis-text-line",
		Label:  "Crisis Text Line",
		Detail: "Text HOME to 741741 to reach a trained counselor.",
		Action: "sms:741741?body=HOME",
	}
	therapistContact = ContactOption{
		ID:     "therapist",
		Label:  "Talk to a professional",
		Detail: "Book a session with a licensed therapist.",
		Action: "app:therapists",
	}
)

var guidanceTable = map[risk.Level]Guidance{
	risk.High: {
		Severity: risk.High,
		Title:    "You don't have to go through this alone",
		Message:  "It sounds like you are in a lot of pain right now. Your safety matters. Please reach out to someone who can help immediately.",
		Contacts: []ContactOption{emergencyContact, lifelineContact, textLineContact},
	},
	risk.Medium: {
		Severity: risk.Medium,
		Title:    "We're here for you",
		Message:  "It sounds like things are really hard right now. Talking to someone can help.",
		Contacts: []ContactOption{lifelineContact, textLineContact, therapistContact},
	},
	risk.Low: {
		Severity: risk.Low,
		Title:    "Support is available",
		Message:  "If you are struggling, these resources are available whenever you need them.",
		Contacts: []ContactOption{lifelineContact, therapistContact},
	},
}

// GuidanceFor returns the content for a severity; unknown levels get Low content.
func GuidanceFor(level risk.Level) Guidance {
	g, ok := guidanceTable[level]
	if !ok {
		g = guidanceTable[risk.Low]
	}
	out := g
	out.Contacts = append([]ContactOption(nil), g.Contacts...)
	return out
}
