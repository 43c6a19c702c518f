package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/turno/internal/account"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/mission"
	"github.com/VenkatGGG/turno/internal/setting"
	"github.com/VenkatGGG/turno/internal/submission"
)

var (
	ErrMaintenance      = errors.New("campaign is in maintenance mode")
	ErrPlatformDisabled = errors.New("platform is not available")
	ErrUnknownOffer     = errors.New("mission offer is not available")
	ErrNotReady         = errors.New("missions are not complete")
	ErrAlreadyClaimed   = errors.New("mission already claimed")
	ErrInvalidInput     = errors.New("invalid input")
)

// ClaimedError reports a followers offer that is still inside its reset window.
type ClaimedError struct {
	Key     claims.Key
	ResetAt time.Time
}

func (e *ClaimedError) Error() string {
	return fmt.Sprintf("%s %d already claimed by %s on %s", e.Key.MissionType, e.Key.UnitCount, e.Key.Username, e.Key.Platform)
}

func (e *ClaimedError) Is(target error) bool {
	return target == ErrAlreadyClaimed
}

// Observer receives counters for the claim flow. Implementations must be
// safe for concurrent use.
type Observer interface {
	ClaimChecked(available bool)
	ClaimRecorded()
	Submitted(platform claims.Platform)
	StorageFailed(operation string)
}

type nopObserver struct{}

func (nopObserver) ClaimChecked(bool)         {}
func (nopObserver) ClaimRecorded()            {}
func (nopObserver) Submitted(claims.Platform) {}
func (nopObserver) StorageFailed(string)      {}

type Dependencies struct {
	Claims      *claims.Cache
	Missions    mission.Service
	Submissions submission.Service
	Accounts    account.Service
	Settings    setting.Service
	Logger      *zap.Logger
	Observer    Observer
}

type Service struct {
	claims      *claims.Cache
	missions    mission.Service
	submissions submission.Service
	accounts    account.Service
	settings    setting.Service
	logger      *zap.Logger
	observer    Observer
}

func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Claims == nil:
		return nil, errors.New("claims cache is required")
	case deps.Missions == nil:
		return nil, errors.New("mission service is required")
	case deps.Submissions == nil:
		return nil, errors.New("submission service is required")
	case deps.Accounts == nil:
		return nil, errors.New("account service is required")
	case deps.Settings == nil:
		return nil, errors.New("setting service is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Service{
		claims:      deps.Claims,
		missions:    deps.Missions,
		submissions: deps.Submissions,
		accounts:    deps.Accounts,
		settings:    deps.Settings,
		logger:      deps.Logger,
		observer:    deps.Observer,
	}, nil
}

// Availability answers whether an offer may be picked.
type Availability struct {
	Available bool       `json:"available"`
	Throttled bool       `json:"throttled"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
	Remaining string     `json:"remaining,omitempty"`
	Degraded  bool       `json:"degraded,omitempty"`
}

// CheckOffer reports whether key may be claimed. Storage failures fail open
// and are flagged as degraded.
func (s *Service) CheckOffer(ctx context.Context, key claims.Key) (Availability, error) {
	if err := validateKey(key); err != nil {
		return Availability{}, err
	}
	out := Availability{Available: true, Throttled: key.MissionType.Throttled()}
	if !out.Throttled {
		return out, nil
	}

	available, err := s.claims.IsAvailable(ctx, key)
	if err != nil {
		s.storageFailed("is_available", err, key)
		out.Degraded = true
		return out, nil
	}
	s.observer.ClaimChecked(available)
	out.Available = available
	if available {
		return out, nil
	}

	earliest, ok, err := s.claims.EarliestActive(ctx, key.Platform, key.Username, key.MissionType)
	if err != nil {
		s.storageFailed("earliest_active", err, key)
		return out, nil
	}
	if ok {
		resetAt := claims.ResetAt(earliest)
		out.ResetAt = &resetAt
		out.Remaining = claims.FormatRemaining(resetAt.Sub(s.claims.Clock().Now()))
	}
	return out, nil
}

// FollowerStatus summarises a user's active followers claims on one platform.
type FollowerStatus struct {
	Platform  claims.Platform `json:"platform"`
	Username  string          `json:"username"`
	UsedUnits int             `json:"used_units"`
	ResetAt   *time.Time      `json:"reset_at,omitempty"`
	Degraded  bool            `json:"degraded,omitempty"`
}

func (s *Service) Status(ctx context.Context, platform claims.Platform, username string) (FollowerStatus, error) {
	platform, err := claims.ParsePlatform(string(platform))
	if err != nil {
		return FollowerStatus{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out := FollowerStatus{Platform: platform, Username: claims.NormalizeUsername(username)}
	if out.Username == "" {
		return out, nil
	}

	used, err := s.claims.UsedUnits(ctx, platform, out.Username, claims.MissionFollowers)
	if err != nil {
		s.storageFailed("used_units", err, claims.NewKey(platform, out.Username, claims.MissionFollowers, 0))
		out.Degraded = true
		return out, nil
	}
	out.UsedUnits = used

	earliest, ok, err := s.claims.EarliestActive(ctx, platform, out.Username, claims.MissionFollowers)
	if err == nil && ok {
		resetAt := claims.ResetAt(earliest)
		out.ResetAt = &resetAt
	}
	return out, nil
}

// EarliestActive exposes the oldest active claim for countdowns.
func (s *Service) EarliestActive(ctx context.Context, platform claims.Platform, username string, missionType claims.MissionType) (time.Time, bool, error) {
	return s.claims.EarliestActive(ctx, platform, username, missionType)
}

type SubmitInput struct {
	Platform        claims.Platform                                   `json:"platform"`
	Username        string                                            `json:"username"`
	VideoLink       string                                            `json:"video_link"`
	Missions        map[claims.MissionType]submission.MissionProgress `json:"missions_data"`
	FollowCompleted bool                                              `json:"follow_completed"`
	IPAddress       string                                            `json:"-"`
}

type SubmitResult struct {
	Submission    submission.Submission `json:"submission"`
	ClaimRecorded bool                  `json:"claim_recorded"`
}

// Submit reserves the followers claim of a completed run, then stores the
// submission. A claim storage failure does not block the send.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	settings, err := s.settings.List(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	if setting.Resolve(settings).MaintenanceMode {
		return SubmitResult{}, ErrMaintenance
	}

	platform, err := claims.ParsePlatform(string(input.Platform))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	username := strings.TrimSpace(input.Username)
	if username == "" {
		return SubmitResult{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if err := submission.ValidateVideoLink(input.VideoLink); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	if _, ok := account.EnabledFor(accounts, platform); !ok {
		return SubmitResult{}, ErrPlatformDisabled
	}

	run, err := s.buildRun(ctx, platform, username, input.Missions, input.FollowCompleted)
	if err != nil {
		return SubmitResult{}, err
	}
	if !run.ReadyToSend() {
		return SubmitResult{}, ErrNotReady
	}
	selected := run.Selected()

	// The followers claim is reserved before the submission is stored so two
	// concurrent sends of the same offer cannot both pass. It is released
	// again if the store fails.
	var (
		claimKey *claims.Key
		stamped  time.Time
	)
	if progress, ok := selected[claims.MissionFollowers]; ok {
		key := claims.NewKey(platform, username, claims.MissionFollowers, progress.Count)
		record, granted, err := s.claims.Claim(ctx, key)
		switch {
		case err != nil:
			s.storageFailed("claim", err, key)
		case !granted:
			s.observer.ClaimChecked(false)
			return SubmitResult{}, &ClaimedError{Key: key, ResetAt: claims.ResetAt(record.Timestamp)}
		default:
			s.observer.ClaimChecked(true)
			claimKey, stamped = &key, record.Timestamp
		}
	}

	created, err := s.submissions.Create(ctx, submission.CreateInput{
		Platform:        platform,
		Username:        username,
		VideoLink:       input.VideoLink,
		Missions:        selected,
		FollowCompleted: run.FollowCompleted,
		IPAddress:       input.IPAddress,
	})
	if err != nil {
		if claimKey != nil {
			if releaseErr := s.claims.Release(context.WithoutCancel(ctx), *claimKey, stamped); releaseErr != nil {
				s.storageFailed("release_claim", releaseErr, *claimKey)
			}
		}
		return SubmitResult{}, err
	}
	s.observer.Submitted(platform)
	s.logger.Info("submission stored",
		zap.String("submission_id", created.ID),
		zap.String("platform", string(platform)),
		zap.String("username", claims.NormalizeUsername(username)),
	)

	result := SubmitResult{Submission: created}
	if claimKey != nil {
		result.ClaimRecorded = true
		s.observer.ClaimRecorded()
	}
	return result, nil
}

// ProgressInput is the state of the campaign page between task clicks.
type ProgressInput struct {
	Missions        map[claims.MissionType]submission.MissionProgress `json:"missions_data"`
	FollowCompleted bool                                              `json:"follow_completed"`
}

// Progress replays the reported run and returns what the page should show.
func (s *Service) Progress(ctx context.Context, input ProgressInput) (RunStatus, error) {
	run, err := s.buildRun(ctx, "", "", input.Missions, input.FollowCompleted)
	if err != nil {
		return RunStatus{}, err
	}
	return run.Status(), nil
}

// buildRun replays the reported progress and checks every selected mission
// against the enabled offers.
func (s *Service) buildRun(ctx context.Context, platform claims.Platform, username string, reported map[claims.MissionType]submission.MissionProgress, followed bool) (*Run, error) {
	run, err := replayRun(platform, username, reported, followed)
	if err != nil {
		return nil, err
	}
	offers, err := s.missions.List(ctx)
	if err != nil {
		return nil, err
	}
	offers = mission.Enabled(offers)
	for missionType, progress := range run.Selected() {
		if _, ok := mission.Find(offers, missionType, progress.Count); !ok {
			return nil, fmt.Errorf("%w: %d %s", ErrUnknownOffer, progress.Count, missionType)
		}
	}
	return run, nil
}

func (s *Service) storageFailed(operation string, err error, key claims.Key) {
	s.observer.StorageFailed(operation)
	s.logger.Warn("claim storage failed, continuing without throttle",
		zap.String("operation", operation),
		zap.String("key", key.String()),
		zap.Error(err),
	)
}

func validateKey(key claims.Key) error {
	if _, err := claims.ParsePlatform(string(key.Platform)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := claims.ParseMissionType(string(key.MissionType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if key.UnitCount <= 0 {
		return fmt.Errorf("%w: count must be positive", ErrInvalidInput)
	}
	return nil
}
