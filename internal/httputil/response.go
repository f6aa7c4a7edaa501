package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/tagbeat/internal/monitoring"
)

// Result is the response envelope of the control surface. Code 0 means
// success; any other value carries the reason in Message. Data fields are
// merged into the top-level object.
type Result struct {
	Code    int
	Message string
	Data    map[string]interface{}
}

// MarshalJSON flattens Data next to code and message.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Data)+2)
	for k, v := range r.Data {
		out[k] = v
	}
	out["code"] = r.Code
	if r.Message != "" {
		out["message"] = r.Message
	}
	return json.Marshal(out)
}

// OK returns a success envelope carrying the given key/value pairs.
func OK(kv ...interface{}) Result {
	r := Result{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if r.Data == nil {
			r.Data = make(map[string]interface{})
		}
		r.Data[key] = kv[i+1]
	}
	return r
}

// WriteResult writes an envelope with the given HTTP status.
func WriteResult(w http.ResponseWriter, status int, r Result) {
	WriteJSON(w, status, r)
}

// WriteFailure writes a failure envelope. The HTTP status doubles as the
// envelope code so clients that only read the body still see the reason.
func WriteFailure(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, Result{Code: status, Message: msg})
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// BadRequest writes a 400 Bad Request envelope with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteFailure(w, http.StatusBadRequest, msg)
}

// NotFound writes a 404 Not Found envelope.
func NotFound(w http.ResponseWriter, msg string) {
	WriteFailure(w, http.StatusNotFound, msg)
}

// InternalServerError writes a 500 Internal Server Error envelope.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteFailure(w, http.StatusInternalServerError, msg)
}
