package handler

import (
	"encoding/xml"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/ciathena/sso/saml"
)

// Metadata returns the handler publishing the SP's metadata document.
func Metadata(logger hclog.Logger, sp *saml.ServiceProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := xml.MarshalIndent(sp.CreateMetadata(), "", "  ")
		if err != nil {
			logger.Error("cannot marshal SP metadata", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/samlmetadata+xml")
		_, _ = w.Write([]byte(xml.Header))
		_, _ = w.Write(out)
	}
}
