package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/pkg/httpx"
)

const streamWriteTimeout = 5 * time.Second

type countdownRequest struct {
	Platform    claims.Platform    `json:"platform"`
	Username    string             `json:"username"`
	MissionType claims.MissionType `json:"mission_type"`
}

type countdownMessage struct {
	Active           bool       `json:"active"`
	Display          string     `json:"display"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	Expired          bool       `json:"expired"`
	ResetAt          *time.Time `json:"reset_at,omitempty"`
	Error            string     `json:"error,omitempty"`
}

func (s *Server) acceptWebSocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	// streams outlive the server's write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade rejected", zap.String("path", r.URL.Path), zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// handleCountdown streams the time left until a user's oldest active claim
// expires. Each request message restarts the countdown for the new target.
func (s *Server) handleCountdown(w http.ResponseWriter, r *http.Request) {
	conn, err := s.acceptWebSocket(w, r)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "countdown closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests := make(chan countdownRequest)
	readErr := make(chan error, 1)
	go func() {
		for {
			var req countdownRequest
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				readErr <- err
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	countdown := claims.NewCountdown(s.claims.Clock())
	defer countdown.Stop()

	var (
		ticks   <-chan claims.Tick
		resetAt time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		case req := <-requests:
			earliest, active, msg := s.resolveCountdown(ctx, req)
			if !active {
				countdown.Stop()
				ticks = nil
				if err := writeStream(ctx, conn, msg); err != nil {
					return
				}
				continue
			}
			resetAt = claims.ResetAt(earliest)
			ticks = countdown.Start(ctx, earliest)
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			at := resetAt
			msg := countdownMessage{
				Active:           !tick.Expired,
				Display:          tick.Display(),
				RemainingSeconds: int64(tick.Remaining / time.Second),
				Expired:          tick.Expired,
				ResetAt:          &at,
			}
			if err := writeStream(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) resolveCountdown(ctx context.Context, req countdownRequest) (time.Time, bool, countdownMessage) {
	idle := countdownMessage{Display: claims.FormatRemaining(0)}

	platform, err := claims.ParsePlatform(string(req.Platform))
	if err != nil {
		idle.Error = err.Error()
		return time.Time{}, false, idle
	}
	missionType := claims.MissionFollowers
	if strings.TrimSpace(string(req.MissionType)) != "" {
		if missionType, err = claims.ParseMissionType(string(req.MissionType)); err != nil {
			idle.Error = err.Error()
			return time.Time{}, false, idle
		}
	}
	username := claims.NormalizeUsername(req.Username)
	if username == "" {
		idle.Error = "username is required"
		return time.Time{}, false, idle
	}

	earliest, ok, err := s.campaign.EarliestActive(ctx, platform, username, missionType)
	if err != nil {
		s.logger.Warn("countdown lookup failed", zap.String("platform", string(platform)), zap.Error(err))
		return time.Time{}, false, idle
	}
	if !ok {
		return time.Time{}, false, idle
	}
	return earliest, true, countdownMessage{}
}

// handleEvents streams change-feed events to the manager page. The optional
// collection query parameter narrows the feed and may repeat.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	collections, err := parseCollections(r.URL.Query()["collection"])
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_collection", err.Error())
		return
	}

	conn, err := s.acceptWebSocket(w, r)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	ctx := conn.CloseRead(r.Context())
	events := s.events.Subscribe(ctx, collections...)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeStream(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func parseCollections(raw []string) ([]changefeed.Collection, error) {
	known := make(map[changefeed.Collection]bool, len(changefeed.Collections))
	for _, c := range changefeed.Collections {
		known[c] = true
	}
	out := make([]changefeed.Collection, 0, len(raw))
	for _, value := range raw {
		c := changefeed.Collection(strings.ToLower(strings.TrimSpace(value)))
		if !known[c] {
			return nil, errors.New("unknown collection " + value)
		}
		out = append(out, c)
	}
	return out, nil
}

func writeStream(ctx context.Context, conn *websocket.Conn, value any) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, value)
}
