package speech

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatFromMIME(t *testing.T) {
	cases := map[string]string{
		"audio/wav":              "wav",
		"":                       "wav",
		"audio/mpeg":             "mp3",
		"audio/ogg; codecs=opus": "ogg",
		"audio/L16; rate=16000":  "pcm",
	}
	for in, want := range cases {
		got, ok := formatFromMIME(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got.name, in)
	}

	_, ok := formatFromMIME("video/mp4")
	assert.False(t, ok)
}

func TestMIMEFromFilename(t *testing.T) {
	assert.Equal(t, "audio/mpeg", MIMEFromFilename("clip.MP3"))
	assert.Equal(t, "audio/wav", MIMEFromFilename("clip"))
}

func TestAudioStoreEvictsExpiredAndOverflow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewAudioStore(time.Minute, 2)
	store.now = func() time.Time { return now }

	first := store.Put([]byte("a"), "mp3")
	second := store.Put([]byte("b"), "mp3")
	third := store.Put([]byte("c"), "mp3")

	_, ok := store.Get(first)
	assert.False(t, ok, "oldest clip dropped at capacity")
	clip, ok := store.Get(second)
	assert.True(t, ok)
	assert.Equal(t, []byte("b"), clip.Data)

	now = now.Add(2 * time.Minute)
	_, ok = store.Get(third)
	assert.False(t, ok, "expired clip evicted")
}
