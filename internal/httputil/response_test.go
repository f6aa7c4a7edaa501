package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteResultOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteResult(rec, http.StatusOK, OK("history", []string{"a", "b"}))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["code"] != float64(0) {
		t.Errorf("code = %v, want 0", resp["code"])
	}
	if _, ok := resp["message"]; ok {
		t.Error("empty message should be omitted")
	}
	history, ok := resp["history"].([]interface{})
	if !ok || len(history) != 2 {
		t.Errorf("history = %v", resp["history"])
	}
}

func TestOKIgnoresOddAndNonStringKeys(t *testing.T) {
	t.Parallel()

	r := OK("a", 1, 2, "b", "dangling")
	if len(r.Data) != 1 || r.Data["a"] != 1 {
		t.Errorf("Data = %v", r.Data)
	}
}

func TestWriteFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad input") }, http.StatusBadRequest, "bad input"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no session") }, http.StatusNotFound, "no session"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "boom") }, http.StatusInternalServerError, "boom"},
		{"conflict", func(w http.ResponseWriter) { WriteFailure(w, http.StatusConflict, "busy") }, http.StatusConflict, "busy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Code != tt.status || resp.Message != tt.msg {
				t.Errorf("body = %+v", resp)
			}
		})
	}
}
