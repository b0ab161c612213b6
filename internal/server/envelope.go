package server

import (
	"encoding/json"
	"net/http"

	"github.com/straja-ai/apkguard/internal/redact"
)

// Caller-visible error messages. Internal causes are only logged.
const (
	msgNotFound     = "Not found"
	msgInternal     = "internal error"
	msgScanFailed   = "scan failed"
	msgBadMultipart = "invalid multipart body"
	msgTooLarge     = "request body too large"
	msgRateLimited  = "rate limited"
)

type successEnvelope struct {
	Success any `json:"success"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func writeSuccess(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, successEnvelope{Success: payload})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Error: message})
}

// writeJSON encodes body before committing the status, so an unencodable
// payload still reaches the caller as an error envelope.
func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		redact.Logf("failed to encode response: %v", err)
		status = http.StatusInternalServerError
		data, _ = json.Marshal(errorEnvelope{Error: msgInternal})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		redact.Logf("failed to write response: %v", err)
	}
}
