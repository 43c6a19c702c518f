package account

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/claims"
)

var (
	ErrNotFound    = errors.New("platform account not found")
	ErrExists      = errors.New("platform account already exists")
	ErrInvalid     = errors.New("invalid platform account")
	ErrUnavailable = errors.New("platform account store unavailable")
)

// PlatformAccount is the campaign's own profile that users are asked to follow.
type PlatformAccount struct {
	ID          string          `json:"id"`
	Platform    claims.Platform `json:"platform"`
	AccountURL  string          `json:"account_url"`
	AccountName string          `json:"account_name"`
	Enabled     bool            `json:"enabled"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type CreateInput struct {
	Platform    claims.Platform `json:"platform" yaml:"platform"`
	AccountURL  string          `json:"account_url" yaml:"account_url"`
	AccountName string          `json:"account_name" yaml:"account_name"`
	Enabled     *bool           `json:"enabled,omitempty" yaml:"enabled"`
}

type UpdateInput struct {
	AccountURL  *string `json:"account_url,omitempty"`
	AccountName *string `json:"account_name,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

type Service interface {
	List(ctx context.Context) ([]PlatformAccount, error)
	Create(ctx context.Context, input CreateInput) (PlatformAccount, error)
	Update(ctx context.Context, id string, input UpdateInput) (PlatformAccount, error)
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: account_url must be an http(s) URL", ErrInvalid)
	}
	return nil
}

func normalizeCreate(input CreateInput) (CreateInput, bool, error) {
	platform, err := claims.ParsePlatform(string(input.Platform))
	if err != nil {
		return CreateInput{}, false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	input.Platform = platform
	input.AccountURL = strings.TrimSpace(input.AccountURL)
	input.AccountName = strings.TrimSpace(input.AccountName)
	if err := validateURL(input.AccountURL); err != nil {
		return CreateInput{}, false, err
	}
	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}
	return input, enabled, nil
}

func normalizeUpdate(input UpdateInput) (UpdateInput, error) {
	if input.AccountURL == nil && input.AccountName == nil && input.Enabled == nil {
		return UpdateInput{}, fmt.Errorf("%w: nothing to update", ErrInvalid)
	}
	if input.AccountURL != nil {
		trimmed := strings.TrimSpace(*input.AccountURL)
		if err := validateURL(trimmed); err != nil {
			return UpdateInput{}, err
		}
		input.AccountURL = &trimmed
	}
	if input.AccountName != nil {
		trimmed := strings.TrimSpace(*input.AccountName)
		input.AccountName = &trimmed
	}
	return input, nil
}

// EnabledFor returns the enabled account for platform.
func EnabledFor(items []PlatformAccount, platform claims.Platform) (PlatformAccount, bool) {
	for _, item := range items {
		if item.Platform == platform && item.Enabled {
			return item, true
		}
	}
	return PlatformAccount{}, false
}

type InMemoryService struct {
	publisher changefeed.Publisher

	mu    sync.RWMutex
	items map[string]PlatformAccount
}

func NewInMemoryService(publisher changefeed.Publisher) *InMemoryService {
	if publisher == nil {
		publisher = changefeed.NopPublisher{}
	}
	return &InMemoryService{
		publisher: publisher,
		items:     make(map[string]PlatformAccount),
	}
}

func (s *InMemoryService) List(_ context.Context) ([]PlatformAccount, error) {
	s.mu.RLock()
	out := make([]PlatformAccount, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (s *InMemoryService) Create(_ context.Context, input CreateInput) (PlatformAccount, error) {
	input, enabled, err := normalizeCreate(input)
	if err != nil {
		return PlatformAccount{}, err
	}

	s.mu.Lock()
	for _, existing := range s.items {
		if existing.Platform == input.Platform {
			s.mu.Unlock()
			return PlatformAccount{}, ErrExists
		}
	}
	created := PlatformAccount{
		ID:          uuid.NewString(),
		Platform:    input.Platform,
		AccountURL:  input.AccountURL,
		AccountName: input.AccountName,
		Enabled:     enabled,
		UpdatedAt:   time.Now().UTC(),
	}
	s.items[created.ID] = created
	s.mu.Unlock()

	s.publisher.Publish(changefeed.NewEvent(changefeed.CollectionPlatformAccounts, changefeed.OperationInsert, created.ID, created))
	return created, nil
}

func (s *InMemoryService) Update(_ context.Context, id string, input UpdateInput) (PlatformAccount, error) {
	input, err := normalizeUpdate(input)
	if err != nil {
		return PlatformAccount{}, err
	}

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return PlatformAccount{}, ErrNotFound
	}
	if input.AccountURL != nil {
		item.AccountURL = *input.AccountURL
	}
	if input.AccountName != nil {
		item.AccountName = *input.AccountName
	}
	if input.Enabled != nil {
		item.Enabled = *input.Enabled
	}
	item.UpdatedAt = time.Now().UTC()
	s.items[id] = item
	s.mu.Unlock()

	s.publisher.Publish(changefeed.NewEvent(changefeed.CollectionPlatformAccounts, changefeed.OperationUpdate, id, item))
	return item, nil
}
