package recognition

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Profile is an enrolled person.
type Profile struct {
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ProfileUpdate holds optional changes; nil fields are left as they are.
type ProfileUpdate struct {
	Name      *string
	Metadata  map[string]any
	Embedding []float32
}

// Fields lists the names of the fields the update touches.
func (u ProfileUpdate) Fields() []string {
	var out []string
	if u.Name != nil {
		out = append(out, "name")
	}
	if u.Metadata != nil {
		out = append(out, "metadata")
	}
	if u.Embedding != nil {
		out = append(out, "embedding")
	}
	return out
}

// Match is a search hit.
type Match struct {
	UserID     string         `json:"user_id"`
	Name       string         `json:"name"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Stats summarises the store.
type Stats struct {
	Profiles   int `json:"profiles"`
	Dimensions int `json:"dimensions"`
}

// VectorStore persists embeddings and answers nearest-neighbour queries.
type VectorStore interface {
	Add(ctx context.Context, p Profile) error
	Search(ctx context.Context, embedding []float32, limit int) ([]Match, error)
	Get(ctx context.Context, userID string) (Profile, error)
	List(ctx context.Context) ([]Profile, error)
	Delete(ctx context.Context, userID string) error
	Update(ctx context.Context, userID string, u ProfileUpdate) (Profile, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

var _ VectorStore = (*MemoryStore)(nil)

// MemoryStore is an in-process VectorStore using cosine similarity.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	dims     int
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: map[string]Profile{}, now: time.Now}
}

func (s *MemoryStore) Add(_ context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.UserID]; ok {
		return ErrAlreadyExists
	}
	if err := s.checkDims(p.Embedding); err != nil {
		return err
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Embedding = normalize(p.Embedding)
	s.profiles[p.UserID] = p
	return nil
}

func (s *MemoryStore) checkDims(e []float32) error {
	if len(e) == 0 {
		return ErrDimensionMismatch
	}
	if s.dims == 0 {
		s.dims = len(e)
		return nil
	}
	if len(e) != s.dims {
		return ErrDimensionMismatch
	}
	return nil
}

// Search returns up to limit matches ordered by descending similarity.
func (s *MemoryStore) Search(_ context.Context, embedding []float32, limit int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.profiles) == 0 {
		return nil, nil
	}
	if len(embedding) != s.dims {
		return nil, ErrDimensionMismatch
	}
	q := normalize(embedding)
	matches := make([]Match, 0, len(s.profiles))
	for _, p := range s.profiles {
		matches = append(matches, Match{
			UserID:     p.UserID,
			Name:       p.Name,
			Confidence: dot(q, p.Embedding),
			Metadata:   p.Metadata,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence == matches[j].Confidence {
			return matches[i].UserID < matches[j].UserID
		}
		return matches[i].Confidence > matches[j].Confidence
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[userID]; !ok {
		return ErrNotFound
	}
	delete(s.profiles, userID)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, userID string, u ProfileUpdate) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	if u.Embedding != nil {
		if len(u.Embedding) != s.dims {
			return Profile{}, ErrDimensionMismatch
		}
		p.Embedding = normalize(u.Embedding)
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Metadata != nil {
		merged := make(map[string]any, len(p.Metadata)+len(u.Metadata))
		for k, v := range p.Metadata {
			merged[k] = v
		}
		for k, v := range u.Metadata {
			merged[k] = v
		}
		p.Metadata = merged
	}
	p.UpdatedAt = s.now().UTC()
	s.profiles[userID] = p
	return p, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Profiles: len(s.profiles), Dimensions: s.dims}, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
