package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VenkatGGG/turno/internal/account"
	"github.com/VenkatGGG/turno/internal/campaign"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/mission"
	"github.com/VenkatGGG/turno/internal/setting"
	"github.com/VenkatGGG/turno/pkg/httpx"
)

type missionOffer struct {
	mission.Mission
	Tasks int `json:"tasks"`
}

type platformResponse struct {
	Platform    claims.Platform `json:"platform"`
	AccountURL  string          `json:"account_url"`
	AccountName string          `json:"account_name"`
}

func (s *Server) handlePublicMissions(w http.ResponseWriter, r *http.Request) {
	items, err := s.missions.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	settings, err := s.settings.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	enabled := mission.Enabled(items)
	offers := make([]missionOffer, 0, len(enabled))
	for _, item := range enabled {
		offers = append(offers, missionOffer{Mission: item, Tasks: item.Tasks()})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"missions":         offers,
		"maintenance_mode": setting.Resolve(settings).MaintenanceMode,
	})
}

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	items, err := s.accounts.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	platforms := make([]platformResponse, 0, len(claims.Platforms))
	for _, platform := range claims.Platforms {
		found, ok := account.EnabledFor(items, platform)
		if !ok {
			continue
		}
		platforms = append(platforms, platformResponse{
			Platform:    found.Platform,
			AccountURL:  found.AccountURL,
			AccountName: found.AccountName,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"platforms": platforms})
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status, err := s.campaign.Status(r.Context(), claims.Platform(query.Get("platform")), query.Get("username"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleClaimAvailability(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	count, err := strconv.Atoi(strings.TrimSpace(query.Get("count")))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_count", "count must be an integer")
		return
	}
	username := claims.NormalizeUsername(query.Get("username"))
	if username == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_username", "username is required")
		return
	}

	key := claims.NewKey(
		claims.Platform(strings.ToLower(strings.TrimSpace(query.Get("platform")))),
		username,
		claims.MissionType(strings.ToLower(strings.TrimSpace(query.Get("mission_type")))),
		count,
	)
	availability, err := s.campaign.CheckOffer(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, availability)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var input campaign.SubmitInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	input.IPAddress = requestClientIdentity(r)

	result, err := s.campaign.Submit(r.Context(), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, result)
}

// handleRunProgress lets the page render progress and the send button from
// the same rules Submit enforces.
func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	var input campaign.ProgressInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	status, err := s.campaign.Progress(r.Context(), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func formatUntil(resetAt, now time.Time) string {
	return claims.FormatRemaining(resetAt.Sub(now))
}
