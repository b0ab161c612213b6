// apkguard-receiver is a development sink for scan event webhooks. It logs a
// one-line summary per event and optionally the full payload.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/straja-ai/apkguard/internal/events"
	"github.com/straja-ai/apkguard/internal/redact"
)

func main() {
	addr := flag.String("addr", ":8099", "listen address for the event receiver")
	verbose := flag.Bool("v", false, "log full event payloads")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", eventHandler(*verbose))
	mux.HandleFunc("POST /{$}", eventHandler(*verbose))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	redact.Logf("event receiver listening on %s (POST JSON to /events)...", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		redact.Fatalf("receiver error: %v", err)
	}
}

func eventHandler(verbose bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}

		var ev events.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			redact.Logf("received undecodable event: len=%d err=%v", len(body), err)
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}

		redact.Logf("event: request=%s decision=%s files=%d cache_hits=%d inferred=%d total_ms=%.1f",
			ev.RequestID, ev.Decision, ev.Counts.Submitted, ev.Counts.CacheHits, ev.Counts.Inferred, ev.TimingMs.Total)
		for _, f := range ev.Files {
			if f.Detection != "benign" {
				redact.Logf("event: request=%s %s det=%s proba=%.3f cached=%t", ev.RequestID, f.SHA256, f.Detection, f.Probability, f.Cached)
			}
		}
		if verbose {
			redact.Logf("event payload: %s", body)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
	}
}
