// Package correlation tags every operator request with a correlation ID so
// batches triggered over HTTP can be traced through logs and events.
package correlation

import (
	"net/http"

	"github.com/google/uuid"

	"enricher/pkg/requestcontext"
)

// Header carries the correlation ID in both directions.
const Header = "X-Correlation-ID"

const maxHeaderLen = 128

// Middleware reuses a caller-supplied correlation ID or mints one, stores it
// in the request context and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" || len(id) > maxHeaderLen {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		ctx := requestcontext.WithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
