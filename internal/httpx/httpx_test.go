package httpx

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestWriteError_SetsStatusAndBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, 400, errors.New("bad input"))

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Success {
		t.Error("Success = true, want false")
	}
	if body.Error != "bad input" {
		t.Errorf("Error = %q, want %q", body.Error, "bad input")
	}
}

func TestWriteJSON_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, 200, map[string]string{"ok": "yes"})

	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestWriteOK_Status200(t *testing.T) {
	w := httptest.NewRecorder()
	WriteOK(w, map[string]bool{"success": true})
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
