package handler

import (
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/ciathena/sso/token"
)

// Refresh returns the handler that exchanges a valid refresh token for a
// fresh session token pair.
func Refresh(logger hclog.Logger, issuer *token.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			http.Error(w, "missing refresh_token", http.StatusBadRequest)
			return
		}

		pair, err := issuer.Refresh(r.Context(), refreshToken)
		if err != nil {
			logger.Warn("refresh rejected", "error", err)
			http.Error(w, "invalid refresh token", http.StatusUnauthorized)
			return
		}

		writeJSON(w, http.StatusOK, pair)
	}
}
