package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quantfeed/optionsflow/internal/gex"
	"github.com/quantfeed/optionsflow/internal/massive"
)

// errorEnvelope is the uniform error body for every failed request.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Ticker  string `json:"ticker,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, short, detail, ticker string) {
	s.writeJSON(w, status, errorEnvelope{
		Error:   short,
		Message: detail,
		Ticker:  ticker,
	})
}

// writeVendorError maps an upstream failure onto the client surface:
// missing data is 404, rate limiting 429, auth problems surface as 500
// (the key is ours, not the client's), anything else falls through as 500
// with the vendor status attached when one exists.
func (s *Server) writeVendorError(w http.ResponseWriter, err error, ticker string) {
	switch {
	case errors.Is(err, gex.ErrNoChain), errors.Is(err, gex.ErrNoSpot):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error(), ticker)
	case errors.Is(err, massive.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", "vendor rate limit reached, retry shortly", ticker)
	case errors.Is(err, massive.ErrUnauthorized):
		s.writeError(w, http.StatusInternalServerError, "vendor_auth", "vendor rejected our credentials", ticker)
	default:
		var apiErr *massive.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			s.writeError(w, http.StatusNotFound, "not_found", apiErr.Body, ticker)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), ticker)
	}
}
