package setting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/turno/internal/changefeed"
)

var (
	ErrInvalid     = errors.New("invalid setting")
	ErrUnavailable = errors.New("settings store unavailable")
)

const (
	KeyResetTimerHours     = "reset_timer_hours"
	KeyMaxDailySubmissions = "max_daily_submissions"
	KeyMaintenanceMode     = "maintenance_mode"
)

type Setting struct {
	ID        string    `json:"id"`
	Key       string    `json:"setting_key"`
	Value     string    `json:"setting_value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Service interface {
	List(ctx context.Context) ([]Setting, error)
	Upsert(ctx context.Context, key, value string) (Setting, error)
}

type intRange struct{ min, max int }

var intSettings = map[string]intRange{
	KeyResetTimerHours:     {min: 1, max: 24},
	KeyMaxDailySubmissions: {min: 1, max: 100},
}

// Validate normalizes value for key, rejecting unknown keys and out of range values.
func Validate(key, value string) (string, string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	if bounds, ok := intSettings[key]; ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", "", fmt.Errorf("%w: %s must be a whole number", ErrInvalid, key)
		}
		if n < bounds.min || n > bounds.max {
			return "", "", fmt.Errorf("%w: %s must be between %d and %d", ErrInvalid, key, bounds.min, bounds.max)
		}
		return key, strconv.Itoa(n), nil
	}
	if key == KeyMaintenanceMode {
		switch strings.ToLower(value) {
		case "true", "false":
			return key, strings.ToLower(value), nil
		default:
			return "", "", fmt.Errorf("%w: %s must be true or false", ErrInvalid, key)
		}
	}
	return "", "", fmt.Errorf("%w: unknown setting %q", ErrInvalid, key)
}

// Values is the typed view of the settings collection.
type Values struct {
	ResetTimerHours     int  `json:"reset_timer_hours"`
	MaxDailySubmissions int  `json:"max_daily_submissions"`
	MaintenanceMode     bool `json:"maintenance_mode"`
}

func Defaults() Values {
	return Values{ResetTimerHours: 2, MaxDailySubmissions: 10}
}

// Resolve overlays stored settings on Defaults. Stored values that no longer
// validate are ignored.
func Resolve(items []Setting) Values {
	out := Defaults()
	for _, item := range items {
		key, value, err := Validate(item.Key, item.Value)
		if err != nil {
			continue
		}
		switch key {
		case KeyResetTimerHours:
			out.ResetTimerHours, _ = strconv.Atoi(value)
		case KeyMaxDailySubmissions:
			out.MaxDailySubmissions, _ = strconv.Atoi(value)
		case KeyMaintenanceMode:
			out.MaintenanceMode = value == "true"
		}
	}
	return out
}

type InMemoryService struct {
	publisher changefeed.Publisher

	mu    sync.RWMutex
	items map[string]Setting
}

func NewInMemoryService(publisher changefeed.Publisher) *InMemoryService {
	if publisher == nil {
		publisher = changefeed.NopPublisher{}
	}
	return &InMemoryService{
		publisher: publisher,
		items:     make(map[string]Setting),
	}
}

func (s *InMemoryService) List(_ context.Context) ([]Setting, error) {
	s.mu.RLock()
	out := make([]Setting, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryService) Upsert(_ context.Context, key, value string) (Setting, error) {
	key, value, err := Validate(key, value)
	if err != nil {
		return Setting{}, err
	}

	s.mu.Lock()
	item, exists := s.items[key]
	if !exists {
		item = Setting{ID: uuid.NewString(), Key: key}
	}
	item.Value = value
	item.UpdatedAt = time.Now().UTC()
	s.items[key] = item
	s.mu.Unlock()

	op := changefeed.OperationUpdate
	if !exists {
		op = changefeed.OperationInsert
	}
	s.publisher.Publish(changefeed.NewEvent(changefeed.CollectionSettings, op, item.ID, item))
	return item, nil
}
