package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/VenkatGGG/turno/internal/account"
	"github.com/VenkatGGG/turno/internal/campaign"
	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/idempotency"
	"github.com/VenkatGGG/turno/internal/mission"
	"github.com/VenkatGGG/turno/internal/setting"
	"github.com/VenkatGGG/turno/internal/submission"
	"github.com/VenkatGGG/turno/pkg/httpx"
)

type Options struct {
	Campaign    *campaign.Service
	Claims      *claims.Cache
	Missions    mission.Service
	Submissions submission.Service
	Accounts    account.Service
	Settings    setting.Service
	Events      *changefeed.Broker
	Idempotency idempotency.Store
	Metrics     *Metrics
	Logger      *zap.Logger

	// AdminAPIKey guards /v1/admin when set.
	AdminAPIKey string
	SubmitRate  rate.Limit
	SubmitBurst int
	ListLimit   int
	ExportLoc   *time.Location

	// IdempotencyTTL is how long a submission outcome is replayable.
	IdempotencyTTL time.Duration
}

type Server struct {
	campaign    *campaign.Service
	claims      *claims.Cache
	missions    mission.Service
	submissions submission.Service
	accounts    account.Service
	settings    setting.Service
	events      *changefeed.Broker
	metrics     *Metrics
	logger      *zap.Logger

	idempotency    idempotency.Store
	idempotencyTTL time.Duration

	adminAPIKey string
	limiter     *clientLimiter
	listLimit   int
	exportLoc   *time.Location
	now         func() time.Time
}

func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Campaign == nil:
		return nil, errors.New("campaign service is required")
	case opts.Claims == nil:
		return nil, errors.New("claims cache is required")
	case opts.Missions == nil, opts.Submissions == nil, opts.Accounts == nil, opts.Settings == nil:
		return nil, errors.New("all collection services are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = changefeed.NewBroker(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.SubmitRate <= 0 {
		opts.SubmitRate = rate.Every(10 * time.Second)
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 3
	}
	if opts.ExportLoc == nil {
		opts.ExportLoc = time.UTC
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = idempotency.DefaultResultTTL
	}

	return &Server{
		campaign:    opts.Campaign,
		claims:      opts.Claims,
		missions:    opts.Missions,
		submissions: opts.Submissions,
		accounts:    opts.Accounts,
		settings:    opts.Settings,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger,

		idempotency:    opts.Idempotency,
		idempotencyTTL: opts.IdempotencyTTL,

		adminAPIKey: opts.AdminAPIKey,
		limiter:     newClientLimiter(opts.SubmitRate, opts.SubmitBurst),
		listLimit:   submission.ClampLimit(opts.ListLimit),
		exportLoc:   opts.ExportLoc,
		now:         time.Now,
	}, nil
}

func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()
	router.Use(s.withRecovery, withRequestID, s.withRequestLogging, s.metrics.instrument)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/", s.handlePage(campaignPage)).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/manager", s.handlePage(managerPage)).Methods(http.MethodGet, http.MethodHead)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/missions", s.handlePublicMissions).Methods(http.MethodGet)
	v1.HandleFunc("/platforms", s.handlePlatforms).Methods(http.MethodGet)
	v1.HandleFunc("/claims/status", s.handleClaimStatus).Methods(http.MethodGet)
	v1.HandleFunc("/claims/availability", s.handleClaimAvailability).Methods(http.MethodGet)
	v1.HandleFunc("/claims/countdown", s.handleCountdown).Methods(http.MethodGet)
	v1.HandleFunc("/runs/progress", s.handleRunProgress).Methods(http.MethodPost)
	v1.Handle("/submissions", s.withSubmitRateLimit(s.withIdempotency(http.HandlerFunc(s.handleSubmit)))).Methods(http.MethodPost)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(s.withAdminKey)
	admin.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	admin.HandleFunc("/submissions", s.handleListSubmissions).Methods(http.MethodGet)
	admin.HandleFunc("/submissions/export", s.handleExportSubmissions).Methods(http.MethodGet)
	admin.HandleFunc("/submissions/{id}", s.handleDeleteSubmission).Methods(http.MethodDelete)
	admin.HandleFunc("/missions", s.handleListMissions).Methods(http.MethodGet)
	admin.HandleFunc("/missions", s.handleCreateMission).Methods(http.MethodPost)
	admin.HandleFunc("/missions/{id}", s.handleUpdateMission).Methods(http.MethodPatch)
	admin.HandleFunc("/missions/{id}", s.handleDeleteMission).Methods(http.MethodDelete)
	admin.HandleFunc("/platform-accounts", s.handleListAccounts).Methods(http.MethodGet)
	admin.HandleFunc("/platform-accounts/{id}", s.handleUpdateAccount).Methods(http.MethodPatch)
	admin.HandleFunc("/settings", s.handleListSettings).Methods(http.MethodGet)
	admin.HandleFunc("/settings/{key}", s.handlePutSetting).Methods(http.MethodPut)
	admin.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "endpoint not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"claims": s.claims.Len(),
	})
}
