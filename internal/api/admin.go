package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VenkatGGG/turno/internal/account"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/mission"
	"github.com/VenkatGGG/turno/internal/setting"
	"github.com/VenkatGGG/turno/internal/submission"
	"github.com/VenkatGGG/turno/pkg/httpx"
)

type snapshotResponse struct {
	Missions         []mission.Mission         `json:"missions"`
	Submissions      []submission.Submission   `json:"submissions"`
	PlatformAccounts []account.PlatformAccount `json:"platform_accounts"`
	Settings         []setting.Setting         `json:"settings"`
	Values           setting.Values            `json:"values"`
	Claims           map[string]claims.Record  `json:"claims"`
}

// handleSnapshot loads every collection the manager page renders in one call.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var out snapshotResponse
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		items, err := s.missions.List(ctx)
		out.Missions = items
		return err
	})
	g.Go(func() error {
		items, err := s.submissions.List(ctx, s.listLimit)
		out.Submissions = items
		return err
	})
	g.Go(func() error {
		items, err := s.accounts.List(ctx)
		out.PlatformAccounts = items
		return err
	})
	g.Go(func() error {
		items, err := s.settings.List(ctx)
		out.Settings = items
		return err
	})
	if err := g.Wait(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out.Values = setting.Resolve(out.Settings)
	// Pick up claims other replicas wrote since this cache last synced.
	if err := s.claims.CleanupExpired(r.Context()); err != nil {
		s.logger.Warn("claims refresh failed, snapshot may be stale", zap.Error(err))
	}
	out.Claims = s.claims.Snapshot()
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	items, err := s.submissions.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"submissions": items, "limit": limit})
}

func (s *Server) handleExportSubmissions(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	items, err := s.submissions.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", submission.ExportFilename(s.now().In(s.exportLoc))))
	w.WriteHeader(http.StatusOK)
	if err := submission.WriteCSV(w, items, s.exportLoc); err != nil {
		s.logger.Warn("csv export interrupted", zap.Error(err))
	}
}

func (s *Server) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) {
	if err := s.submissions.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	items, err := s.missions.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"missions": items})
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var input mission.CreateInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	created, err := s.missions.Create(r.Context(), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateMission(w http.ResponseWriter, r *http.Request) {
	var input mission.UpdateInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	updated, err := s.missions.Update(r.Context(), mux.Vars(r)["id"], input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteMission(w http.ResponseWriter, r *http.Request) {
	if err := s.missions.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	items, err := s.accounts.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"platform_accounts": items})
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var input account.UpdateInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	updated, err := s.accounts.Update(r.Context(), mux.Vars(r)["id"], input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	items, err := s.settings.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"settings": items,
		"values":   setting.Resolve(items),
	})
}

type putSettingRequest struct {
	Value string `json:"setting_value"`
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req putSettingRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	saved, err := s.settings.Upsert(r.Context(), mux.Vars(r)["key"], req.Value)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, saved)
}

func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return s.listLimit, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return 0, false
	}
	return submission.ClampLimit(parsed), true
}
