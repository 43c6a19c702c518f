package campaign

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/VenkatGGG/turno/internal/account"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/mission"
	"github.com/VenkatGGG/turno/internal/setting"
	"github.com/VenkatGGG/turno/internal/submission"
)

type countingObserver struct {
	mu sync.Mutex

	checked, recorded, submitted, failures int
}

func (o *countingObserver) count(n *int) {
	o.mu.Lock()
	*n++
	o.mu.Unlock()
}

func (o *countingObserver) ClaimChecked(bool)         { o.count(&o.checked) }
func (o *countingObserver) ClaimRecorded()            { o.count(&o.recorded) }
func (o *countingObserver) Submitted(claims.Platform) { o.count(&o.submitted) }
func (o *countingObserver) StorageFailed(string)      { o.count(&o.failures) }

type saveFailingBackend struct {
	*claims.MemoryBackend
	fail bool
}

func (b *saveFailingBackend) Save(ctx context.Context, data []byte) error {
	if b.fail {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Save(ctx, data)
}

func (b *saveFailingBackend) Update(ctx context.Context, fn func([]byte) ([]byte, error)) error {
	if b.fail {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Update(ctx, fn)
}

// slowSubmissions widens the window between reserving a claim and storing
// the submission, and can be told to fail the store.
type slowSubmissions struct {
	submission.Service
	delay time.Duration
	fail  bool
}

func (s *slowSubmissions) Create(ctx context.Context, input submission.CreateInput) (submission.Submission, error) {
	time.Sleep(s.delay)
	if s.fail {
		return submission.Submission{}, errors.New("submissions table locked")
	}
	return s.Service.Create(ctx, input)
}

type fixture struct {
	svc         *Service
	cache       *claims.Cache
	backend     *saveFailingBackend
	submissions *submission.InMemoryService
	store       *slowSubmissions
	accounts    *account.InMemoryService
	settings    *setting.InMemoryService
	observer    *countingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	backend := &saveFailingBackend{MemoryBackend: claims.NewMemoryBackend()}
	cache, err := claims.Open(ctx, backend)
	require.NoError(t, err)

	missions := mission.NewInMemoryService(nil)
	for _, input := range []mission.CreateInput{
		{Type: claims.MissionFollowers, Count: 10},
		{Type: claims.MissionFollowers, Count: 20},
		{Type: claims.MissionLikes, Count: 4},
		{Type: claims.MissionComments, Count: 6, Enabled: boolPtr(false)},
	} {
		_, err := missions.Create(ctx, input)
		require.NoError(t, err)
	}

	accounts := account.NewInMemoryService(nil)
	_, err = accounts.Create(ctx, account.CreateInput{Platform: claims.PlatformInstagram, AccountURL: "https://www.instagram.com/imdannyc4u/"})
	require.NoError(t, err)
	_, err = accounts.Create(ctx, account.CreateInput{Platform: claims.PlatformTikTok, AccountURL: "https://www.tiktok.com/@dannycross443", Enabled: boolPtr(false)})
	require.NoError(t, err)

	f := &fixture{
		cache:       cache,
		backend:     backend,
		submissions: submission.NewInMemoryService(nil),
		accounts:    accounts,
		settings:    setting.NewInMemoryService(nil),
		observer:    &countingObserver{},
	}
	f.store = &slowSubmissions{Service: f.submissions}
	f.svc, err = NewService(Dependencies{
		Claims:      cache,
		Missions:    missions,
		Submissions: f.store,
		Accounts:    accounts,
		Settings:    f.settings,
		Logger:      zaptest.NewLogger(t),
		Observer:    f.observer,
	})
	require.NoError(t, err)
	return f
}

func boolPtr(v bool) *bool { return &v }

func completedInput(username string, followers int) SubmitInput {
	return SubmitInput{
		Platform: claims.PlatformInstagram,
		Username: username,
		Missions: map[claims.MissionType]submission.MissionProgress{
			claims.MissionFollowers: {Selected: true, Count: followers, Completed: TaskCount(followers)},
			claims.MissionLikes:     {Selected: true, Count: 4, Completed: 2},
			claims.MissionComments:  {},
		},
		FollowCompleted: true,
		IPAddress:       "203.0.113.9",
	}
}

func TestSubmitStoresSubmissionThenRecordsClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, completedInput(" Alice ", 10))
	require.NoError(t, err)
	assert.True(t, result.ClaimRecorded)
	assert.Equal(t, "Alice", result.Submission.Username)
	assert.NotContains(t, result.Submission.Missions, claims.MissionComments, "unselected missions are not stored")

	items, err := f.submissions.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	available, err := f.cache.IsAvailable(ctx, claims.NewKey(claims.PlatformInstagram, "alice", claims.MissionFollowers, 10))
	require.NoError(t, err)
	assert.False(t, available)

	_, err = f.svc.Submit(ctx, completedInput("alice", 10))
	var claimed *ClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, claims.ResetAt(f.cache.Snapshot()["instagram_alice_followers_10"].Timestamp), claimed.ResetAt)

	_, err = f.svc.Submit(ctx, completedInput("alice", 20))
	require.NoError(t, err, "a different count is a different claim")

	status, err := f.svc.Status(ctx, claims.PlatformInstagram, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, 30, status.UsedUnits)
	require.NotNil(t, status.ResetAt)

	assert.Equal(t, 2, f.observer.submitted)
	assert.Equal(t, 2, f.observer.recorded)
}

func TestSubmitWithoutFollowersDoesNotClaim(t *testing.T) {
	f := newFixture(t)
	input := completedInput("bob", 10)
	delete(input.Missions, claims.MissionFollowers)

	result, err := f.svc.Submit(context.Background(), input)
	require.NoError(t, err)
	assert.False(t, result.ClaimRecorded)
	assert.Equal(t, 0, f.cache.Len())
}

func TestSubmitRejections(t *testing.T) {
	cases := map[string]struct {
		mutate func(*SubmitInput)
		want   error
	}{
		"incomplete tasks": {
			mutate: func(in *SubmitInput) {
				in.Missions[claims.MissionLikes] = submission.MissionProgress{Selected: true, Count: 4, Completed: 1}
			},
			want: ErrNotReady,
		},
		"follow not confirmed": {
			mutate: func(in *SubmitInput) { in.FollowCompleted = false },
			want:   ErrNotReady,
		},
		"nothing selected": {
			mutate: func(in *SubmitInput) { in.Missions = nil },
			want:   ErrNotReady,
		},
		"unknown offer": {
			mutate: func(in *SubmitInput) {
				in.Missions[claims.MissionLikes] = submission.MissionProgress{Selected: true, Count: 8, Completed: 4}
			},
			want: ErrUnknownOffer,
		},
		"disabled offer": {
			mutate: func(in *SubmitInput) {
				in.Missions[claims.MissionComments] = submission.MissionProgress{Selected: true, Count: 6, Completed: 3}
			},
			want: ErrUnknownOffer,
		},
		"disabled platform": {
			mutate: func(in *SubmitInput) { in.Platform = claims.PlatformTikTok },
			want:   ErrPlatformDisabled,
		},
		"missing platform account": {
			mutate: func(in *SubmitInput) { in.Platform = claims.PlatformYouTube },
			want:   ErrPlatformDisabled,
		},
		"bad video link": {
			mutate: func(in *SubmitInput) { in.VideoLink = "ftp://x/y" },
			want:   ErrInvalidInput,
		},
		"empty username": {
			mutate: func(in *SubmitInput) { in.Username = "  " },
			want:   ErrInvalidInput,
		},
		"more tasks than the offer has": {
			mutate: func(in *SubmitInput) {
				in.Missions[claims.MissionLikes] = submission.MissionProgress{Selected: true, Count: 4, Completed: 3}
			},
			want: ErrInvalidInput,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			input := completedInput("carol", 10)
			tc.mutate(&input)
			_, err := f.svc.Submit(context.Background(), input)
			assert.ErrorIs(t, err, tc.want)

			items, _ := f.submissions.List(context.Background(), 0)
			assert.Empty(t, items)
			assert.Equal(t, 0, f.cache.Len())
		})
	}
}

func TestSubmitBlockedInMaintenance(t *testing.T) {
	f := newFixture(t)
	_, err := f.settings.Upsert(context.Background(), setting.KeyMaintenanceMode, "true")
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), completedInput("dave", 10))
	assert.ErrorIs(t, err, ErrMaintenance)
}

func TestSubmitFailsOpenWhenClaimStorageFails(t *testing.T) {
	f := newFixture(t)
	f.backend.fail = true

	result, err := f.svc.Submit(context.Background(), completedInput("erin", 10))
	require.NoError(t, err)
	assert.False(t, result.ClaimRecorded)
	assert.NotEmpty(t, result.Submission.ID)
	assert.GreaterOrEqual(t, f.observer.failures, 1)
}

func TestConcurrentSubmitsClaimOnce(t *testing.T) {
	f := newFixture(t)
	f.store.delay = 20 * time.Millisecond

	const senders = 20
	var (
		wg                sync.WaitGroup
		succeeded, denied atomic.Int32
	)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), completedInput("grace", 10))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrAlreadyClaimed):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, succeeded.Load())
	assert.EqualValues(t, senders-1, denied.Load())
	items, err := f.submissions.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, f.cache.Len())
}

func TestSubmitReleasesClaimWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.fail = true

	_, err := f.svc.Submit(ctx, completedInput("heidi", 10))
	require.Error(t, err)

	key := claims.NewKey(claims.PlatformInstagram, "heidi", claims.MissionFollowers, 10)
	available, err := f.cache.IsAvailable(ctx, key)
	require.NoError(t, err)
	assert.True(t, available, "a failed store must not burn the offer")
	assert.Zero(t, f.observer.recorded)

	f.store.fail = false
	result, err := f.svc.Submit(ctx, completedInput("heidi", 10))
	require.NoError(t, err)
	assert.True(t, result.ClaimRecorded)
}

func TestProgressReportsRunStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.svc.Progress(ctx, ProgressInput{
		Missions: map[claims.MissionType]submission.MissionProgress{
			claims.MissionFollowers: {Selected: true, Count: 20, Completed: 10},
			claims.MissionLikes:     {Selected: true, Count: 4, Completed: 1},
		},
		FollowCompleted: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 92, status.TotalProgress)
	assert.Equal(t, 50, status.Missions[claims.MissionLikes].Percent)
	assert.False(t, status.Ready)

	_, err = f.svc.Progress(ctx, ProgressInput{
		Missions: map[claims.MissionType]submission.MissionProgress{
			claims.MissionComments: {Selected: true, Count: 6},
		},
	})
	assert.ErrorIs(t, err, ErrUnknownOffer)
}

func TestCheckOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	likes, err := f.svc.CheckOffer(ctx, claims.NewKey(claims.PlatformInstagram, "frank", claims.MissionLikes, 4))
	require.NoError(t, err)
	assert.True(t, likes.Available)
	assert.False(t, likes.Throttled)

	key := claims.NewKey(claims.PlatformInstagram, "frank", claims.MissionFollowers, 10)
	require.NoError(t, f.cache.RecordClaim(ctx, key))

	blocked, err := f.svc.CheckOffer(ctx, key)
	require.NoError(t, err)
	assert.False(t, blocked.Available)
	require.NotNil(t, blocked.ResetAt)
	assert.NotEmpty(t, blocked.Remaining)

	_, err = f.svc.CheckOffer(ctx, claims.Key{Platform: "myspace", Username: "x", MissionType: claims.MissionLikes, UnitCount: 2})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.CheckOffer(ctx, claims.NewKey(claims.PlatformInstagram, "x", claims.MissionLikes, 0))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Dependencies{})
	assert.Error(t, err)
}
