package main

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the gateway error taxonomy as a JSON body with the
// kind-mapped status. Rate limits carry a Retry-After hint.
func writeError(w http.ResponseWriter, err error) {
	ge := gwerr.AsError(err)
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ge.RetryAfter.Seconds())+1))
	}
	writeJSON(w, ge.HTTPStatus(), map[string]any{"error": ge})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return gwerr.InvalidRequest("malformed request body: %v", err)
	}
	return nil
}
