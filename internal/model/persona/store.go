package persona

import "strings"

// Store 提供陪伴者查询。Resolve 把空 id 映射到 DefaultID。
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
	Resolve(id string) (Persona, bool)
}

// MemoryStore keeps companions in seed order with an id index.
type MemoryStore struct {
	items []Persona
	index map[string]int
}

// NewMemoryStore indexes items by lowercase id; later duplicates are ignored.
func NewMemoryStore(items []Persona) *MemoryStore {
	s := &MemoryStore{index: make(map[string]int, len(items))}
	for _, item := range items {
		key := normalizeID(item.ID)
		if key == "" {
			continue
		}
		if _, dup := s.index[key]; dup {
			continue
		}
		s.index[key] = len(s.items)
		s.items = append(s.items, item)
	}
	return s
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	i, ok := s.index[normalizeID(id)]
	if !ok {
		return Persona{}, false
	}
	return s.items[i], true
}

func (s *MemoryStore) Resolve(id string) (Persona, bool) {
	if strings.TrimSpace(id) == "" {
		id = DefaultID
	}
	return s.FindByID(id)
}
