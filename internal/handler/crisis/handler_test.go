package crisis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
	"github.com/zhouzirui/solace/backend/internal/model/crisis"
	chatService "github.com/zhouzirui/solace/backend/internal/service/chat"
	crisisService "github.com/zhouzirui/solace/backend/internal/service/crisis"
)

func TestCrisisActions(t *testing.T) {
	chatSvc := chatService.NewService(nil)
	session, err := chatSvc.CreateSession(context.Background(), "u-1", "")
	require.NoError(t, err)

	events := crisisService.NewMemoryEventStore()
	eventLog := crisisService.NewEventLog(events, nil)
	manager := crisisService.NewManager(eventLog, nil)
	eventID, err := eventLog.Record(context.Background(), "u-1", session.ID, "I feel worthless and trapped", risk.Assessment{Detected: true, Level: risk.Medium, Signals: []string{"worthless", "trapped"}})
	require.NoError(t, err)

	r := chi.NewRouter()
	New(chatSvc, manager).RegisterRoutes(r)
	call := func(method, path string) (*httptest.ResponseRecorder, crisisService.Intervention) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		var view crisisService.Intervention
		_ = json.Unmarshal(rec.Body.Bytes(), &view)
		return rec, view
	}
	base := "/sessions/" + session.ID + "/crisis"

	rec, view := call(http.MethodGet, base)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, crisisService.StateIdle, view.State)

	rec, _ = call(http.MethodPost, base+"/dismiss")
	assert.Equal(t, http.StatusConflict, rec.Code)

	manager.Open(crisisService.Detection{EventID: eventID, UserID: "u-1", SessionID: session.ID, Severity: risk.Medium})

	rec, view = call(http.MethodPost, base+"/save-resources")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, crisisService.StateOpen, view.State)
	assert.Equal(t, crisis.SavedResources, events.Events("u-1")[0].Response)

	rec, view = call(http.MethodPost, base+"/contact-help")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, crisisService.StateClosed, view.State)
	assert.Equal(t, crisis.ContactedHelp, events.Events("u-1")[0].Response)

	rec, _ = call(http.MethodPost, base+"/shrug")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = call(http.MethodGet, "/sessions/missing/crisis")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
