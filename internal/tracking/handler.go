package tracking

import (
	"net/http"
	"strconv"
)

// ServeHTTP handles GET /action/read_receipt/?email=TOKEN. The response is
// always the tracking pixel, whatever the token.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("email"); token != "" {
		s.RecordHit(r.Context(), token)
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixel)))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixel)
}
