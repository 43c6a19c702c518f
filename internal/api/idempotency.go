package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VenkatGGG/turno/internal/idempotency"
	"github.com/VenkatGGG/turno/pkg/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	submitScope       = "submissions"
)

// bufferedResponse records a handler's response so it can be stored before
// it is sent.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header         { return b.header }
func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }
func (b *bufferedResponse) WriteHeader(status int)      { b.status = status }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for key, values := range b.header {
		w.Header()[key] = values
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

// withIdempotency replays the stored outcome of an earlier request that
// carried the same Idempotency-Key from the same client. Requests without the
// header pass straight through.
func (s *Server) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if s.idempotency == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		scope := submitScope + ":" + requestClientIdentity(r)

		if stored, ok, err := s.idempotency.Lookup(r.Context(), scope, key); err != nil {
			s.idempotencyFailed(w, err)
			return
		} else if ok {
			writeReplay(w, stored)
			return
		}

		owner := uuid.NewString()
		reserved, err := s.idempotency.Reserve(r.Context(), scope, key, owner, idempotency.DefaultReserveTTL)
		if err != nil {
			s.idempotencyFailed(w, err)
			return
		}
		if !reserved {
			if stored, ok := s.awaitResult(r.Context(), scope, key, 3*time.Second); ok {
				writeReplay(w, stored)
				return
			}
			httpx.WriteError(w, http.StatusConflict, "request_in_progress", "a submission with this idempotency key is still in progress")
			return
		}
		defer func() {
			_ = s.idempotency.Abandon(context.WithoutCancel(r.Context()), scope, key, owner)
		}()

		buf := newBufferedResponse()
		next.ServeHTTP(buf, r)

		// server side failures are not remembered so the client can retry
		if buf.status < http.StatusInternalServerError {
			result := idempotency.Result{Status: buf.status, Body: bytes.Clone(buf.body.Bytes())}
			if err := s.idempotency.Complete(context.WithoutCancel(r.Context()), scope, key, result, s.idempotencyTTL); err != nil {
				s.logger.Warn("idempotency result not saved", zap.Error(err))
			}
		}
		buf.flush(w)
	})
}

func (s *Server) awaitResult(ctx context.Context, scope, key string, timeout time.Duration) (idempotency.Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		stored, ok, err := s.idempotency.Lookup(ctx, scope, key)
		if err == nil && ok {
			return stored, true
		}
		select {
		case <-ctx.Done():
			return idempotency.Result{}, false
		case <-ticker.C:
		}
	}
}

func (s *Server) idempotencyFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, idempotency.ErrInvalidKey) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_idempotency_key", "Idempotency-Key must be 1 to 200 characters")
		return
	}
	s.logger.Error("idempotency store failed", zap.Error(err))
	httpx.WriteError(w, http.StatusServiceUnavailable, "idempotency_unavailable", "could not check idempotency key, try again later")
}

func writeReplay(w http.ResponseWriter, stored idempotency.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(replayedHeader, "true")
	status := stored.Status
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(stored.Body)
}
