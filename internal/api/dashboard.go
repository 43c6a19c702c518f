package api

import (
	_ "embed"
	"net/http"
)

//go:embed assets/campaign.html
var campaignPage []byte

//go:embed assets/manager.html
var managerPage []byte

// handlePage serves one of the embedded pages. Both talk to the JSON API only.
func (s *Server) handlePage(page []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(page)
	}
}
