// Package handler provides the HTTP endpoints of the service provider: login
// initiation, the assertion consumer service, token refresh and metadata
// publication.
package handler

import (
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/ciathena/sso/saml"
)

// Login returns the handler that starts an SP-initiated login: it creates an
// authentication request, registers it as pending and redirects the browser
// to the IdP's SSO endpoint.
//
// An optional relay_state query parameter is carried through the IdP and
// posted back to the ACS together with the response.
func Login(logger hclog.Logger, sp *saml.ServiceProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		relayState := r.URL.Query().Get("relay_state")

		redirect, ar, err := sp.AuthnRequestRedirect(relayState)
		if err != nil {
			logger.Error("cannot create authentication request", "error", err)
			http.Error(w, "cannot start login", http.StatusInternalServerError)
			return
		}

		logger.Debug("redirecting to IdP", "request_id", ar.ID, "destination", ar.Destination)
		http.Redirect(w, r, redirect.String(), http.StatusFound)
	}
}
