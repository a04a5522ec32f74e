package crisis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
)

func contactIDs(g Guidance) []string {
	ids := make([]string, 0, len(g.Contacts))
	for _, c := range g.Contacts {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestOnlyHighShowsEmergencyContact(t *testing.T) {
	assert.Contains(t, contactIDs(GuidanceFor(risk.High)), "emergency")
	assert.NotContains(t, contactIDs(GuidanceFor(risk.Medium)), "emergency")
	assert.NotContains(t, contactIDs(GuidanceFor(risk.Low)), "emergency")
}

func TestGuidanceForReturnsCopy(t *testing.T) {
	g := GuidanceFor(risk.High)
	g.Contacts[0].Label = "changed"
	assert.NotEqual(t, "changed", GuidanceFor(risk.High).Contacts[0].Label)
	assert.Equal(t, risk.Low, GuidanceFor(risk.Level("bogus")).Severity)
}

func TestParseResponse(t *testing.T) {
	r, err := ParseResponse("contact-help")
	require.NoError(t, err)
	assert.Equal(t, ContactedHelp, r)
	assert.True(t, r.Closes())

	r, err = ParseResponse("save-resources")
	require.NoError(t, err)
	assert.False(t, r.Closes())

	_, err = ParseResponse("ignore")
	assert.Error(t, err)
}
