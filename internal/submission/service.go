package submission

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
	ErrNotFound    = errors.New("submission not found")
	ErrInvalid     = errors.New("invalid submission")
	ErrUnavailable = errors.New("submission store unavailable")
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// MissionProgress is the per-type part of a submission.
type MissionProgress struct {
	Selected  bool `json:"selected"`
	Count     int  `json:"count"`
	Completed int  `json:"completed"`
}

type Submission struct {
	ID              string                                 `json:"id"`
	Platform        claims.Platform                        `json:"platform"`
	Username        string                                 `json:"username"`
	VideoLink       string                                 `json:"video_link,omitempty"`
	Missions        map[claims.MissionType]MissionProgress `json:"missions_data"`
	FollowCompleted bool                                   `json:"follow_completed"`
	IPAddress       string                                 `json:"ip_address,omitempty"`
	SubmittedAt     time.Time                              `json:"submitted_at"`
}

type CreateInput struct {
	Platform        claims.Platform
	Username        string
	VideoLink       string
	Missions        map[claims.MissionType]MissionProgress
	FollowCompleted bool
	IPAddress       string
	SubmittedAt     time.Time
}

type Service interface {
	Create(ctx context.Context, input CreateInput) (Submission, error)
	List(ctx context.Context, limit int) ([]Submission, error)
	Delete(ctx context.Context, id string) error
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// ValidateVideoLink accepts an empty link or an absolute http(s) URL.
func ValidateVideoLink(link string) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil
	}
	parsed, err := url.Parse(link)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: video link must be a valid URL", ErrInvalid)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: video link must use http or https", ErrInvalid)
	}
	return nil
}

func normalizeCreate(input CreateInput) (CreateInput, error) {
	platform, err := claims.ParsePlatform(string(input.Platform))
	if err != nil {
		return CreateInput{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	input.Platform = platform
	input.Username = strings.TrimSpace(input.Username)
	if input.Username == "" {
		return CreateInput{}, fmt.Errorf("%w: username is required", ErrInvalid)
	}
	input.VideoLink = strings.TrimSpace(input.VideoLink)
	if err := ValidateVideoLink(input.VideoLink); err != nil {
		return CreateInput{}, err
	}
	missions := make(map[claims.MissionType]MissionProgress, len(input.Missions))
	for missionType, progress := range input.Missions {
		parsed, err := claims.ParseMissionType(string(missionType))
		if err != nil {
			return CreateInput{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if progress.Count < 0 || progress.Completed < 0 {
			return CreateInput{}, fmt.Errorf("%w: negative mission progress for %s", ErrInvalid, parsed)
		}
		missions[parsed] = progress
	}
	input.Missions = missions
	input.IPAddress = strings.TrimSpace(input.IPAddress)
	if input.SubmittedAt.IsZero() {
		input.SubmittedAt = time.Now()
	}
	input.SubmittedAt = input.SubmittedAt.UTC()
	return input, nil
}

func newSubmission(input CreateInput) Submission {
	return Submission{
		ID:              uuid.NewString(),
		Platform:        input.Platform,
		Username:        input.Username,
		VideoLink:       input.VideoLink,
		Missions:        input.Missions,
		FollowCompleted: input.FollowCompleted,
		IPAddress:       input.IPAddress,
		SubmittedAt:     input.SubmittedAt,
	}
}

type InMemoryService struct {
	publisher changefeed.Publisher

	mu    sync.RWMutex
	items map[string]Submission
}

func NewInMemoryService(publisher changefeed.Publisher) *InMemoryService {
	if publisher == nil {
		publisher = changefeed.NopPublisher{}
	}
	return &InMemoryService{
		publisher: publisher,
		items:     make(map[string]Submission),
	}
}

func (s *InMemoryService) Create(_ context.Context, input CreateInput) (Submission, error) {
	input, err := normalizeCreate(input)
	if err != nil {
		return Submission{}, err
	}
	created := newSubmission(input)

	s.mu.Lock()
	s.items[created.ID] = created
	s.mu.Unlock()

	s.publisher.Publish(changefeed.NewEvent(changefeed.CollectionSubmissions, changefeed.OperationInsert, created.ID, created))
	return created, nil
}

func (s *InMemoryService) List(_ context.Context, limit int) ([]Submission, error) {
	limit = ClampLimit(limit)

	s.mu.RLock()
	out := make([]Submission, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
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

	s.publisher.Publish(changefeed.NewEvent(changefeed.CollectionSubmissions, changefeed.OperationDelete, id, item))
	return nil
}
