package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VenkatGGG/turno/internal/account"
	"github.com/VenkatGGG/turno/internal/campaign"
	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/idempotency"
	"github.com/VenkatGGG/turno/internal/mission"
	"github.com/VenkatGGG/turno/internal/setting"
	"github.com/VenkatGGG/turno/internal/submission"
)

type testEnv struct {
	server      *Server
	handler     http.Handler
	cache       *claims.Cache
	broker      *changefeed.Broker
	missions    mission.Service
	submissions *submission.InMemoryService
	settings    *setting.InMemoryService
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	broker := changefeed.NewBroker(logger)

	cache, err := claims.Open(ctx, claims.NewMemoryBackend())
	if err != nil {
		t.Fatalf("open claims: %v", err)
	}
	missions := mission.NewInMemoryService(broker)
	for _, input := range []mission.CreateInput{
		{Type: claims.MissionFollowers, Count: 10},
		{Type: claims.MissionLikes, Count: 4},
		{Type: claims.MissionComments, Count: 6, Enabled: boolPtr(false)},
	} {
		if _, err := missions.Create(ctx, input); err != nil {
			t.Fatalf("seed mission: %v", err)
		}
	}
	accounts := account.NewInMemoryService(broker)
	if _, err := accounts.Create(ctx, account.CreateInput{Platform: claims.PlatformInstagram, AccountURL: "https://www.instagram.com/imdannyc4u/", AccountName: "imdannyc4u"}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	submissions := submission.NewInMemoryService(broker)
	settings := setting.NewInMemoryService(broker)
	metrics := NewMetrics()

	svc, err := campaign.NewService(campaign.Dependencies{
		Claims:      cache,
		Missions:    missions,
		Submissions: submissions,
		Accounts:    accounts,
		Settings:    settings,
		Logger:      logger,
		Observer:    metrics,
	})
	if err != nil {
		t.Fatalf("campaign service: %v", err)
	}

	opts := Options{
		Campaign:    svc,
		Claims:      cache,
		Missions:    missions,
		Submissions: submissions,
		Accounts:    accounts,
		Settings:    settings,
		Events:      broker,
		Idempotency: idempotency.NewMemoryStore(),
		Metrics:     metrics,
		Logger:      logger,
		AdminAPIKey: "topsecret",
		SubmitRate:  rate.Inf,
		SubmitBurst: 1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{
		server:      srv,
		handler:     srv.Routes(),
		cache:       cache,
		broker:      broker,
		missions:    opts.Missions,
		submissions: submissions,
		settings:    settings,
	}
}

func boolPtr(v bool) *bool { return &v }

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "198.51.100.7:5000"
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

var adminHeaders = map[string]string{"X-API-Key": "topsecret"}

func submitBody(username string) map[string]any {
	return map[string]any{
		"platform": "instagram",
		"username": username,
		"missions_data": map[string]any{
			"followers": map[string]any{"selected": true, "count": 10, "completed": 5},
			"likes":     map[string]any{"selected": true, "count": 4, "completed": 2},
		},
		"follow_completed": true,
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestPagesAreServed(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/", "/manager"} {
		rr := env.do(t, http.MethodGet, path, nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rr.Code)
		}
		if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
			t.Fatalf("%s: expected html content type, got %q", path, rr.Header().Get("Content-Type"))
		}
		if !strings.Contains(rr.Body.String(), "Turno") {
			t.Fatalf("%s: expected page body", path)
		}
	}
}

func TestPublicMissionsListsEnabledOffers(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/v1/missions", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body struct {
		Missions []struct {
			Type  string `json:"type"`
			Count int    `json:"count"`
			Tasks int    `json:"tasks"`
		} `json:"missions"`
		MaintenanceMode bool `json:"maintenance_mode"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Missions) != 2 {
		t.Fatalf("expected 2 enabled offers, got %d", len(body.Missions))
	}
	if body.Missions[0].Type != "followers" || body.Missions[0].Tasks != 5 {
		t.Fatalf("unexpected first offer: %#v", body.Missions[0])
	}
}

func TestPlatformsListsEnabledAccounts(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/v1/platforms", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"platform":"instagram"`) || strings.Contains(rr.Body.String(), "tiktok") {
		t.Fatalf("unexpected platforms body: %s", rr.Body.String())
	}
}

func TestSubmitThenDuplicateFollowersClaim(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/v1/submissions", submitBody("Alice"), nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created campaign.SubmitResult
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !created.ClaimRecorded || created.Submission.IPAddress != "198.51.100.7" {
		t.Fatalf("unexpected result: %#v", created)
	}

	rr = env.do(t, http.MethodPost, "/v1/submissions", submitBody("alice "), nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var claimed claimedResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &claimed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claimed.Code != "already_claimed" || claimed.ResetAt.IsZero() || claimed.Remaining == "" {
		t.Fatalf("unexpected claimed body: %#v", claimed)
	}

	rr = env.do(t, http.MethodGet, "/v1/claims/status?platform=instagram&username=ALICE", nil, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"used_units":10`) {
		t.Fatalf("unexpected status response %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/v1/claims/availability?platform=instagram&username=alice&mission_type=followers&count=10", nil, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"available":false`) {
		t.Fatalf("unexpected availability response %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/metrics", nil, nil)
	if !strings.Contains(rr.Body.String(), `turno_submissions_total{platform="instagram"} 1`) {
		t.Fatalf("expected submission counter in metrics output")
	}
	if !strings.Contains(rr.Body.String(), `turno_claim_checks_total{result="duplicate"}`) {
		t.Fatalf("expected duplicate check counter in metrics output")
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)

	incomplete := submitBody("bob")
	incomplete["follow_completed"] = false
	if rr := env.do(t, http.MethodPost, "/v1/submissions", incomplete, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete run, got %d", rr.Code)
	}

	if rr := env.do(t, http.MethodPost, "/v1/submissions", map[string]any{"bogus": true}, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}

	if _, err := env.settings.Upsert(context.Background(), setting.KeyMaintenanceMode, "true"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rr := env.do(t, http.MethodPost, "/v1/submissions", submitBody("bob"), nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 in maintenance, got %d", rr.Code)
	}
}

func TestRunProgress(t *testing.T) {
	env := newTestEnv(t, nil)

	body := submitBody("ivan")
	delete(body, "platform")
	delete(body, "username")
	rr := env.do(t, http.MethodPost, "/v1/runs/progress", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var status campaign.RunStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Ready || status.TotalProgress != 100 {
		t.Fatalf("unexpected status: %#v", status)
	}
	if got := status.Missions[claims.MissionFollowers]; got.Tasks != 5 || got.Percent != 100 {
		t.Fatalf("unexpected followers status: %#v", got)
	}

	body["missions_data"] = map[string]any{
		"likes": map[string]any{"selected": true, "count": 4, "completed": 1},
	}
	rr = env.do(t, http.MethodPost, "/v1/runs/progress", body, nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Ready || status.TotalProgress != 50 {
		t.Fatalf("unexpected partial status: %#v", status)
	}

	body["missions_data"] = map[string]any{
		"likes": map[string]any{"selected": true, "count": 4, "completed": 9},
	}
	if rr := env.do(t, http.MethodPost, "/v1/runs/progress", body, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for impossible progress, got %d", rr.Code)
	}
	if env.cache.Len() != 0 {
		t.Fatalf("progress must not touch claims")
	}
}

func TestSubmitIdempotencyKeyReplaysOutcome(t *testing.T) {
	env := newTestEnv(t, nil)
	headers := map[string]string{idempotencyHeader: "run-1"}

	first := env.do(t, http.MethodPost, "/v1/submissions", submitBody("carol"), headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", first.Code)
	}
	second := env.do(t, http.MethodPost, "/v1/submissions", submitBody("carol"), headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get(replayedHeader) != "true" {
		t.Fatalf("expected replay header")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("expected identical bodies")
	}

	items, err := env.submissions.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected a single stored submission, got %d", len(items))
	}
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.SubmitRate = rate.Every(time.Hour)
		o.SubmitBurst = 1
	})

	if rr := env.do(t, http.MethodPost, "/v1/submissions", submitBody("dave"), nil); rr.Code != http.StatusCreated {
		t.Fatalf("expected first submission to pass, got %d", rr.Code)
	}
	rr := env.do(t, http.MethodPost, "/v1/submissions", submitBody("erin"), nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestAdminRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)

	if rr := env.do(t, http.MethodGet, "/v1/admin/snapshot", nil, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr := env.do(t, http.MethodGet, "/v1/admin/snapshot", nil, adminHeaders)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap snapshotResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Missions) != 3 || len(snap.PlatformAccounts) != 1 || snap.Values.ResetTimerHours != 2 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}

func TestAdminMissionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/v1/admin/missions", map[string]any{"type": "likes", "count": 20}, adminHeaders)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created mission.Mission
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rr = env.do(t, http.MethodPatch, "/v1/admin/missions/"+created.ID, map[string]any{"enabled": false}, adminHeaders)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"enabled":false`) {
		t.Fatalf("unexpected patch response %d: %s", rr.Code, rr.Body.String())
	}

	if rr := env.do(t, http.MethodPost, "/v1/admin/missions", map[string]any{"type": "likes", "count": 1}, adminHeaders); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for count below minimum, got %d", rr.Code)
	}

	if rr := env.do(t, http.MethodDelete, "/v1/admin/missions/"+created.ID, nil, adminHeaders); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/v1/admin/missions/"+created.ID, nil, adminHeaders); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d", rr.Code)
	}
}

func TestAdminSettings(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPut, "/v1/admin/settings/reset_timer_hours", map[string]any{"setting_value": "4"}, adminHeaders)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(t, http.MethodPut, "/v1/admin/settings/reset_timer_hours", map[string]any{"setting_value": "48"}, adminHeaders); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range value, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPut, "/v1/admin/settings/theme", map[string]any{"setting_value": "dark"}, adminHeaders); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown key, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/v1/admin/settings", nil, adminHeaders)
	if !strings.Contains(rr.Body.String(), `"reset_timer_hours":4`) {
		t.Fatalf("expected resolved value in body: %s", rr.Body.String())
	}
}

func TestAdminExportSubmissions(t *testing.T) {
	env := newTestEnv(t, nil)
	if rr := env.do(t, http.MethodPost, "/v1/submissions", submitBody("frank"), nil); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}

	rr := env.do(t, http.MethodGet, "/v1/admin/submissions/export", nil, adminHeaders)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "turno-submissions-") {
		t.Fatalf("unexpected disposition %q", rr.Header().Get("Content-Disposition"))
	}
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], "10 followers, 4 likes") || !strings.Contains(lines[1], "Followed") {
		t.Fatalf("unexpected csv row %q", lines[1])
	}

	if rr := env.do(t, http.MethodGet, "/v1/admin/submissions?limit=abc", nil, adminHeaders); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

type unavailableMissions struct{ mission.Service }

func (unavailableMissions) List(context.Context) ([]mission.Mission, error) {
	return nil, errors.Join(mission.ErrUnavailable, errors.New("connection refused"))
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Missions = unavailableMissions{Service: o.Missions}
	})
	rr := env.do(t, http.MethodGet, "/v1/admin/missions", nil, adminHeaders)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "connection refused") {
		t.Fatalf("store error details must not leak: %s", rr.Body.String())
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestCountdownStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := env.cache.RecordClaim(ctx, claims.NewKey(claims.PlatformInstagram, "gina", claims.MissionFollowers, 10)); err != nil {
		t.Fatalf("record claim: %v", err)
	}

	httpSrv := httptest.NewServer(env.handler)
	defer httpSrv.Close()

	conn, _, err := websocket.Dial(ctx, wsURL(httpSrv, "/v1/claims/countdown"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, countdownRequest{Platform: "instagram", Username: "Gina"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var tick countdownMessage
	if err := wsjson.Read(ctx, conn, &tick); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !tick.Active || tick.Expired || !strings.HasPrefix(tick.Display, "01:59:") || tick.ResetAt == nil {
		t.Fatalf("unexpected tick: %#v", tick)
	}

	if err := wsjson.Write(ctx, conn, countdownRequest{Platform: "instagram", Username: "nobody"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// ticks already in flight for the previous target may arrive first
	for {
		var msg countdownMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if !msg.Active {
			if msg.Display != "00:00:00" {
				t.Fatalf("unexpected idle message: %#v", msg)
			}
			break
		}
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	httpSrv := httptest.NewServer(env.handler)
	defer httpSrv.Close()

	if _, _, err := websocket.Dial(ctx, wsURL(httpSrv, "/v1/admin/events"), nil); err == nil {
		t.Fatalf("expected handshake without api key to fail")
	}

	conn, _, err := websocket.Dial(ctx, wsURL(httpSrv, "/v1/admin/events?collection=missions&api_key=topsecret"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for env.broker.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := env.settings.Upsert(ctx, setting.KeyMaxDailySubmissions, "5"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	created, err := env.missions.Create(ctx, mission.CreateInput{Type: claims.MissionComments, Count: 8})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var evt changefeed.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Collection != changefeed.CollectionMissions || evt.Operation != changefeed.OperationInsert || evt.ID != created.ID {
		t.Fatalf("unexpected event: %#v", evt)
	}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
