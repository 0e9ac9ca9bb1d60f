package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/ciathena/sso/saml"
	"github.com/ciathena/sso/token"
)

// ACS returns the assertion consumer service handler. It validates the
// posted SAML response and, on success, answers with a JSON session token
// pair.
//
// Error responses are deliberately coarse: a 400 for anything malformed, a
// 401 for anything that failed validation or principal resolution. The
// precise failure reason is only logged server-side; echoing it back would
// hand an attacker an oracle over the validation pipeline.
func ACS(logger hclog.Logger, sp *saml.ServiceProvider, issuer *token.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			logger.Warn("cannot parse ACS form", "error", err)
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		samlResponse := r.PostFormValue("SAMLResponse")
		if samlResponse == "" {
			logger.Warn("ACS request without SAMLResponse")
			http.Error(w, "missing SAMLResponse", http.StatusBadRequest)
			return
		}

		identity, err := sp.ParseResponse(samlResponse)
		if err != nil {
			logger.Warn("response validation failed", "error", err)
			http.Error(w, "authentication failed", acsStatus(err))
			return
		}

		pair, err := issuer.Issue(r.Context(), identity)
		if err != nil {
			if errors.Is(err, token.ErrUnknownPrincipal) {
				logger.Warn("asserted subject has no principal", "name_id", identity.NameID)
				http.Error(w, "authentication failed", http.StatusUnauthorized)
				return
			}
			logger.Error("cannot issue session tokens", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		logger.Info("session issued", "name_id", identity.NameID, "issuer", identity.Issuer)
		writeJSON(w, http.StatusOK, pair)
	}
}

// acsStatus maps a validation failure to the response status. Malformed
// input is the requester's fault; everything else is a failed authentication.
func acsStatus(err error) int {
	switch {
	case errors.Is(err, saml.ErrMalformedXML),
		errors.Is(err, saml.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, saml.ErrInternal):
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
