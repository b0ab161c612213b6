package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/straja-ai/apkguard/internal/events"
	"github.com/straja-ai/apkguard/internal/scan"
)

func TestEventHandler(t *testing.T) {
	ev := events.Build("req-1", events.DecisionOK, nil, scan.Stats{Submitted: 1}, 0)
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rr := httptest.NewRecorder()
	eventHandler(false)(rr, httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	eventHandler(false)(rr, httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString("{")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}
}
