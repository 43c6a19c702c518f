package mission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/claims"
)

var (
	ErrNotFound    = errors.New("mission not found")
	ErrInvalid     = errors.New("invalid mission")
	ErrUnavailable = errors.New("mission store unavailable")
)

// MaxCount bounds a single offer.
const MaxCount = 10000

// Mission is one offer on the campaign ladder, e.g. "20 followers".
type Mission struct {
	ID        string             `json:"id"`
	Type      claims.MissionType `json:"type"`
	Count     int                `json:"count"`
	Enabled   bool               `json:"enabled"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Tasks is the number of task buttons the offer presents.
func (m Mission) Tasks() int {
	return m.Count / 2
}

type CreateInput struct {
	Type    claims.MissionType `json:"type"`
	Count   int                `json:"count"`
	Enabled *bool              `json:"enabled,omitempty"`
}

type UpdateInput struct {
	Count   *int  `json:"count,omitempty"`
	Enabled *bool `json:"enabled,omitempty"`
}

type Service interface {
	List(ctx context.Context) ([]Mission, error)
	Get(ctx context.Context, id string) (Mission, error)
	Create(ctx context.Context, input CreateInput) (Mission, error)
	Update(ctx context.Context, id string, input UpdateInput) (Mission, error)
	Delete(ctx context.Context, id string) error
}

func validateCount(count int) error {
	if count < 2 || count > MaxCount {
		return fmt.Errorf("%w: count must be between 2 and %d", ErrInvalid, MaxCount)
	}
	return nil
}

func normalizeCreate(input CreateInput) (CreateInput, bool, error) {
	missionType, err := claims.ParseMissionType(string(input.Type))
	if err != nil {
		return CreateInput{}, false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validateCount(input.Count); err != nil {
		return CreateInput{}, false, err
	}
	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}
	input.Type = missionType
	return input, enabled, nil
}

func validateUpdate(input UpdateInput) error {
	if input.Count == nil && input.Enabled == nil {
		return fmt.Errorf("%w: nothing to update", ErrInvalid)
	}
	if input.Count != nil {
		return validateCount(*input.Count)
	}
	return nil
}

// Sort orders missions by type then count, the order the campaign page shows.
func Sort(items []Mission) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Type != items[j].Type {
			return items[i].Type < items[j].Type
		}
		return items[i].Count < items[j].Count
	})
}

// Enabled filters out disabled offers.
func Enabled(items []Mission) []Mission {
	out := make([]Mission, 0, len(items))
	for _, item := range items {
		if item.Enabled {
			out = append(out, item)
		}
	}
	return out
}

// Find returns the offer for missionType and count.
func Find(items []Mission, missionType claims.MissionType, count int) (Mission, bool) {
	for _, item := range items {
		if item.Type == missionType && item.Count == count {
			return item, true
		}
	}
	return Mission{}, false
}

type InMemoryService struct {
	publisher changefeed.Publisher

	mu    sync.RWMutex
	items map[string]Mission
}

func NewInMemoryService(publisher changefeed.Publisher) *InMemoryService {
	if publisher == nil {
		publisher = changefeed.NopPublisher{}
	}
	return &InMemoryService{
		publisher: publisher,
		items:     make(map[string]Mission),
	}
}

func (s *InMemoryService) List(_ context.Context) ([]Mission, error) {
	s.mu.RLock()
	out := make([]Mission, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	s.mu.RUnlock()

	Sort(out)
	return out, nil
}

func (s *InMemoryService) Get(_ context.Context, id string) (Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Mission{}, ErrNotFound
	}
	return item, nil
}

func (s *InMemoryService) Create(_ context.Context, input CreateInput) (Mission, error) {
	input, enabled, err := normalizeCreate(input)
	if err != nil {
		return Mission{}, err
	}
	now := time.Now().UTC()
	created := Mission{
		ID:        uuid.NewString(),
		Type:      input.Type,
		Count:     input.Count,
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.items[created.ID] = created
	s.mu.Unlock()

	s.publisher.Publish(changefeed.NewEvent(changefeed.CollectionMissions, changefeed.OperationInsert, created.ID, created))
	return created, nil
}

func (s *InMemoryService) Update(_ context.Context, id string, input UpdateInput) (Mission, error) {
	if err := validateUpdate(input); err != nil {
		return Mission{}, err
	}

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return Mission{}, ErrNotFound
	}
	if input.Count != nil {
		item.Count = *input.Count
	}
	if input.Enabled != nil {
		item.Enabled = *input.Enabled
	}
	item.UpdatedAt = time.Now().UTC()
	s.items[id] = item
	s.mu.Unlock()

	s.publisher.Publish(changefeed.NewEvent(changefeed.CollectionMissions, changefeed.OperationUpdate, id, item))
	return item, nil
}

func (s *InMemoryService) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.items, id)
	s.mu.Unlock()

	s.publisher.Publish(changefeed.NewEvent(changefeed.CollectionMissions, changefeed.OperationDelete, id, item))
	return nil
}
