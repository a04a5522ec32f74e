package crisis

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
)

// ErrEventNotFound is returned when there is no event to attach a response to.
var ErrEventNotFound = errors.New("crisis event not found")

// Response 是用户对危机干预界面的处置。
type Response string

const (
	ContactedHelp  Response = "contacted_help"
	Dismissed      Response = "dismissed"
	SavedResources Response = "saved_resources"
)

// ParseResponse accepts both the stored form and the URL action form
// (contact-help, dismiss, save-resources).
func ParseResponse(raw string) (Response, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "contacted_help", "contact-help", "contact_help":
		return ContactedHelp, nil
	case "dismissed", "dismiss":
		return Dismissed, nil
	case "saved_resources", "save-resources", "save_resources":
		return SavedResources, nil
	default:
		return "", fmt.Errorf("unknown crisis response %q", raw)
	}
}

// Closes reports whether the response ends the intervention.
func (r Response) Closes() bool {
	return r == ContactedHelp || r == Dismissed
}

// Event 记录一次风险检出。只保存原文的摘要，不保存原文。
type Event struct {
	ID          string     `json:"id" gorm:"primaryKey;size:36"`
	UserID      string     `json:"userId" gorm:"index:idx_crisis_user_detected,priority:1;size:128"`
	SessionID   string     `json:"sessionId,omitempty" gorm:"size:36"`
	DetectedAt  time.Time  `json:"detectedAt" gorm:"index:idx_crisis_user_detected,priority:2"`
	Severity    risk.Level `json:"severity" gorm:"size:16"`
	Signals     []string   `json:"triggeredSignals" gorm:"serializer:json"`
	Confidence  int        `json:"confidence"`
	MessageHash string     `json:"messageHash" gorm:"size:64"`
	Response    Response   `json:"userResponse,omitempty" gorm:"size:32"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

func (Event) TableName() string { return "crisis_events" }
