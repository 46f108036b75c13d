package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/recrawl/internal/embedding"
)

// ContentStore is an in-memory embedding.Repository holding content rows
// and their vectors.
type ContentStore struct {
	mu      sync.RWMutex
	content map[int64]string
	vectors map[int64]embedding.Vector
}

// NewContentStore constructs an empty ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{
		content: make(map[int64]string),
		vectors: make(map[int64]embedding.Vector),
	}
}

// PutContent adds or replaces a content row.
func (s *ContentStore) PutContent(id int64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[id] = text
}

// MissingEmbeddings returns up to limit content rows without a vector,
// ordered by ID.
func (s *ContentStore) MissingEmbeddings(_ context.Context, limit int) ([]embedding.Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.content))
	for id := range s.content {
		if _, ok := s.vectors[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]embedding.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, embedding.Record{ID: id, Text: s.content[id]})
	}
	return out, nil
}

// UpsertEmbedding stores a copy of the vector for id.
func (s *ContentStore) UpsertEmbedding(_ context.Context, id int64, vector embedding.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = append(embedding.Vector(nil), vector...)
	return nil
}

// Vector returns the stored vector for id.
func (s *ContentStore) Vector(id int64) (embedding.Vector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vectors[id]
	return v, ok
}

// Missing counts content rows without a vector.
func (s *ContentStore) Missing() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for id := range s.content {
		if _, ok := s.vectors[id]; !ok {
			n++
		}
	}
	return n
}
