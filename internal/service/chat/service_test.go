package chat_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modelchat "github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/mood"
	"github.com/zhouzirui/solace/backend/internal/model/persona"
	chat "github.com/zhouzirui/solace/backend/internal/service/chat"
)

func TestServiceGetSession(t *testing.T) {
	svc := chat.NewService(persona.NewMemoryStore(persona.Seed()))
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "u-1", "")
	require.NoError(t, err)

	got, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, persona.DefaultID, got.PersonaID)
}

func TestServiceCreateSessionValidation(t *testing.T) {
	svc := chat.NewService(persona.NewMemoryStore(persona.Seed()))
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "  ", "sage")
	assert.ErrorIs(t, err, chat.ErrUserRequired)

	_, err = svc.CreateSession(ctx, "u-1", "iron-man")
	assert.ErrorIs(t, err, chat.ErrPersonaNotFound)

	_, err = svc.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
	_, err = svc.LoadTranscript(ctx, "missing")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
}

func ids(msgs []modelchat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestTranscriptStageCommit(t *testing.T) {
	tr := chat.NewTranscript()
	p := tr.Stage(modelchat.Message{Sender: modelchat.SenderUser, Content: "hello"})

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Pending)
	assert.Equal(t, p.ID(), snap[0].ID)

	assert.True(t, tr.SetMood(p.ID(), mood.Happy))
	p.Commit()
	p.Revert() // 已确认，不再生效

	want := []modelchat.Message{{ID: p.ID(), Sender: modelchat.SenderUser, Content: "hello", MoodTag: mood.Happy}}
	if diff := cmp.Diff(want, tr.Snapshot(), cmpopts.IgnoreFields(modelchat.Message{}, "CreatedAt")); diff != "" {
		t.Fatalf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestTranscriptRevertRestoresIDSet(t *testing.T) {
	tr := chat.NewTranscript()
	tr.Append(modelchat.Message{Sender: modelchat.SenderUser, Content: "one"})
	tr.Append(modelchat.Message{Sender: modelchat.SenderAssistant, Content: "two"})
	before := ids(tr.Snapshot())

	p := tr.Stage(modelchat.Message{Sender: modelchat.SenderUser, Content: "three"})
	assert.Equal(t, 3, tr.Len())
	p.Revert()
	p.Commit()

	assert.Equal(t, before, ids(tr.Snapshot()))
	assert.False(t, tr.SetMood(p.ID(), mood.Sad))
}

func TestTranscriptSnapshotIsCopy(t *testing.T) {
	tr := chat.NewTranscript()
	tr.Append(modelchat.Message{Content: "x"})
	snap := tr.Snapshot()
	snap[0].Content = "changed"
	assert.Equal(t, "x", tr.Snapshot()[0].Content)
}
