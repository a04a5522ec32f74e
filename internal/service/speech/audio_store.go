package speech

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clip is a synthesized audio payload addressable by an opaque reference.
type Clip struct {
	Ref       string
	Data      []byte
	Format    string
	CreatedAt time.Time
}

// AudioStore 在内存中保存合成音频，按 TTL 与容量淘汰最旧的条目。
type AudioStore struct {
	mu      sync.Mutex
	clips   map[string]Clip
	order   []string
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewAudioStore creates a store keeping at most maxSize clips for ttl.
func NewAudioStore(ttl time.Duration, maxSize int) *AudioStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 256
	}
	return &AudioStore{
		clips:   make(map[string]Clip),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Put stores data and returns its reference.
func (s *AudioStore) Put(data []byte, format string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	for len(s.order) >= s.maxSize {
		s.dropOldestLocked()
	}

	clip := Clip{Ref: uuid.NewString(), Data: data, Format: format, CreatedAt: s.now()}
	s.clips[clip.Ref] = clip
	s.order = append(s.order, clip.Ref)
	return clip.Ref
}

// Get returns the clip for ref if it has not expired.
func (s *AudioStore) Get(ref string) (Clip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	clip, ok := s.clips[ref]
	return clip, ok
}

func (s *AudioStore) evictLocked() {
	cutoff := s.now().Add(-s.ttl)
	for len(s.order) > 0 {
		oldest, ok := s.clips[s.order[0]]
		if ok && oldest.CreatedAt.After(cutoff) {
			return
		}
		s.dropOldestLocked()
	}
}

func (s *AudioStore) dropOldestLocked() {
	delete(s.clips, s.order[0])
	s.order = s.order[1:]
}
