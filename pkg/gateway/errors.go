package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/heliox/pkg/types"
)

// errorBody is the JSON envelope for every gateway-generated error.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
	Detail    string `json:"detail,omitempty"`
}

// writeError emits the standard error response for kind. Callers set
// extra headers (Retry-After, rate limit info) before calling.
func writeError(w http.ResponseWriter, requestID string, kind types.ErrorKind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     string(kind),
		RequestID: requestID,
		Detail:    detail,
	})
}

// retryAfterValue renders a Retry-After header: whole seconds, rounded
// up, never below one so clients always back off.
func retryAfterValue(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
