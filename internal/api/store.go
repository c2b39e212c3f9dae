package api

import (
	"sync"

	"github.com/emirpasic/gods/v2/lists/arraylist"
)

// GenerationStore keeps the most recent finished generations by id.
type GenerationStore struct {
	mu    sync.Mutex
	limit int
	order *arraylist.List[string]
	byID  map[string]GenerateResponse
}

// NewGenerationStore keeps at most limit entries; limit <= 0 means 256.
func NewGenerationStore(limit int) *GenerationStore {
	if limit <= 0 {
		limit = 256
	}
	return &GenerationStore{
		limit: limit,
		order: arraylist.New[string](),
		byID:  make(map[string]GenerateResponse),
	}
}

func (s *GenerationStore) Save(resp GenerateResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[resp.ID]; !ok {
		s.order.Add(resp.ID)
	}
	s.byID[resp.ID] = resp
	for s.order.Size() > s.limit {
		oldest, _ := s.order.Get(0)
		s.order.Remove(0)
		delete(s.byID, oldest)
	}
}

func (s *GenerationStore) Get(id string) (GenerateResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.byID[id]
	return resp, ok
}

func (s *GenerationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Size()
}
