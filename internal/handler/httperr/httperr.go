// Package httperr maps domain errors to HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/zhouzirui/solace/backend/internal/capture"
	"github.com/zhouzirui/solace/backend/internal/model/consent"
	"github.com/zhouzirui/solace/backend/internal/model/crisis"
	chatsvc "github.com/zhouzirui/solace/backend/internal/service/chat"
	crisissvc "github.com/zhouzirui/solace/backend/internal/service/crisis"
	"github.com/zhouzirui/solace/backend/internal/service/gateway"
	"github.com/zhouzirui/solace/backend/internal/service/pipeline"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

// Classify returns the status and a stable code for err.
func Classify(err error) (int, string) {
	var (
		cerr *gateway.ConfigurationError
		terr *gateway.TranscriptionError
		gerr *gateway.GenerationError
	)
	switch {
	case errors.Is(err, pipeline.ErrConsentRequired), errors.Is(err, capture.ErrConsentRequired):
		return http.StatusForbidden, "consent_required"
	case errors.Is(err, pipeline.ErrSendInProgress):
		return http.StatusConflict, "send_in_progress"
	case errors.As(err, &cerr):
		return http.StatusServiceUnavailable, "configuration_error"
	case errors.As(err, &terr):
		return http.StatusBadGateway, "transcription_failed"
	case errors.As(err, &gerr):
		return http.StatusBadGateway, "generation_failed"
	case errors.Is(err, chatsvc.ErrSessionNotFound), errors.Is(err, crisis.ErrEventNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, crisissvc.ErrNoOpenIntervention):
		return http.StatusConflict, "no_open_intervention"
	case errors.Is(err, pipeline.ErrEmptyInput),
		errors.Is(err, pipeline.ErrUnknownReply),
		errors.Is(err, chatsvc.ErrUserRequired),
		errors.Is(err, chatsvc.ErrPersonaNotFound),
		errors.Is(err, consent.ErrUnknownFlag),
		errors.Is(err, consent.ErrInvalidState):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Message returns the user-facing text; internal errors are not exposed.
func Message(err error) string {
	status, _ := Classify(err)
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

// Write responds with the mapped status and code.
func Write(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	utils.RespondErrorCode(w, status, code, Message(err))
}
