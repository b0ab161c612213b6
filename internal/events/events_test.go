package events

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/config"
	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/scan"
)

func sampleEvent(id string) *Event {
	results := []scan.Result{
		{Fingerprint: fingerprint.Of([]byte("a")), Verdict: classifier.Verdict{Detection: classifier.SMS, Probability: 0.75}, Cached: true},
		{Fingerprint: fingerprint.Of([]byte("b")), Verdict: classifier.Verdict{Detection: classifier.Benign, Probability: 0.5}},
	}
	stats := scan.Stats{Submitted: 3, Accepted: 2, Unique: 2, CacheHits: 1, Inferred: 1, Inference: 4 * time.Millisecond}
	return Build(id, DecisionOK, results, stats, 10*time.Millisecond)
}

func TestBuild(t *testing.T) {
	ev := sampleEvent("req-1")
	if ev.Version != EventVersion || ev.RequestID != "req-1" || ev.Decision != DecisionOK {
		t.Fatalf("unexpected header %+v", ev)
	}
	if ev.Counts.Submitted != 3 || ev.Counts.CacheHits != 1 {
		t.Fatalf("unexpected counts %+v", ev.Counts)
	}
	if len(ev.Files) != 2 || ev.Files[0].Detection != "sms" || !ev.Files[0].Cached || ev.Files[1].Cached {
		t.Fatalf("unexpected files %+v", ev.Files)
	}
	if ev.TimingMs.Inference != 4 || ev.TimingMs.Total != 10 {
		t.Fatalf("unexpected timing %+v", ev.TimingMs)
	}

	generated := Build("", DecisionErrorInference, nil, scan.Stats{}, 0)
	if generated.RequestID == "" {
		t.Fatalf("expected a generated request id")
	}
	if generated.Files == nil {
		t.Fatalf("files should encode as [] not null")
	}
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}

	for _, id := range []string{"req-1", "req-2"} {
		if err := sink.Deliver(context.Background(), sampleEvent(id)); err != nil {
			t.Fatalf("deliver %s: %v", id, err)
		}
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var decoded Event
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("unmarshal jsonl line: %v", err)
	}
	if decoded.RequestID != "req-2" || len(decoded.Files) != 2 {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
}

func TestWebhookSinkRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))

	sink, err := NewWebhookSink(srv.URL, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	err = sink.Deliver(context.Background(), sampleEvent("req-1"))
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("expected status error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestWebhookSinkSendsHeaders(t *testing.T) {
	gotHeaders := make(chan http.Header, 1)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))

	sink, err := NewWebhookSink(srv.URL, map[string]string{"X-Webhook-Token": "t0k"}, time.Second)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	if err := sink.Deliver(context.Background(), sampleEvent("req-9")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	h := <-gotHeaders
	if h.Get("X-Webhook-Token") != "t0k" || h.Get("X-Request-ID") != "req-9" || h.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected headers %v", h)
	}
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	wait := make(chan struct{})
	sink := &blockingSink{wait: wait}
	em := NewEmitter(EmitterConfig{QueueSize: 1, Workers: 1, ShutdownTimeout: time.Second}, []Sink{sink})

	ev := sampleEvent("r1")
	em.Emit(ev)
	em.Emit(ev)
	em.Emit(ev)

	if em.Stats().Dropped == 0 {
		t.Fatalf("expected dropped events when queue is full")
	}

	close(wait)
	em.Close(context.Background())

	em.Emit(ev)
	if em.Stats().Dropped < 2 {
		t.Fatalf("emit after close should drop")
	}
}

func TestEmitterWebhookIntegration(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))

	em, err := FromConfig(config.EventsConfig{
		QueueSize: 8,
		Workers:   1,
		Sinks:     []config.SinkConfig{{Type: "webhook", URL: srv.URL, Timeout: time.Second}},
	})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	defer em.Close(context.Background())

	for i := 0; i < 5; i++ {
		em.Emit(sampleEvent("integration"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for webhook events, got %d", n)
		}
		time.Sleep(20 * time.Millisecond)
	}

	stats := em.Stats()
	if stats.SinkSuccess["webhook:"+srv.URL] != 5 {
		t.Fatalf("expected 5 sink successes, got %v", stats.SinkSuccess)
	}
	if stats.Dropped != 0 {
		t.Fatalf("did not expect dropped events, got %d", stats.Dropped)
	}
}

func TestFromConfig(t *testing.T) {
	em, err := FromConfig(config.EventsConfig{})
	if err != nil || em != nil {
		t.Fatalf("expected no emitter without sinks, got %v %v", em, err)
	}
	em.Emit(sampleEvent("nil-safe"))

	if _, err := FromConfig(config.EventsConfig{Sinks: []config.SinkConfig{{Type: "kafka"}}}); err == nil {
		t.Fatalf("expected error for unknown sink")
	}
}

type blockingSink struct {
	wait chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(context.Context, *Event) error {
	<-s.wait
	return nil
}

func (s *blockingSink) Close(context.Context) error { return nil }

func newTestServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}
