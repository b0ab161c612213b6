package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/straja-ai/apkguard/internal/apk/apktest"
	"github.com/straja-ai/apkguard/internal/batch"
	"github.com/straja-ai/apkguard/internal/cache"
	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/config"
	"github.com/straja-ai/apkguard/internal/events"
	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/scan"
	"github.com/straja-ai/apkguard/internal/store/memstore"
)

type fixedRuntime struct {
	err    error
	scores []float32
	calls  int
}

func (r *fixedRuntime) Run(b *batch.Batch) ([][]float32, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([][]float32, b.Rows)
	for i := range out {
		out[i] = []float32{0.05, 0.8, 0.05, 0.05, 0.05}
		if r.scores != nil {
			out[i] = r.scores
		}
	}
	return out, nil
}

type failingLookup struct{}

func (failingLookup) Get(ctx context.Context, fp fingerprint.Fingerprint) (classifier.Verdict, bool, error) {
	return classifier.Verdict{}, false, errors.New("mongodb://admin:pw@db:27017/ unreachable")
}

func baseTestConfig() *config.Config {
	cfg, _ := config.Load("/nonexistent/apkguard.yaml")
	cfg.Store.Backend = "memory"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, rt *fixedRuntime) (*Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	gw := cache.New(st, nil)
	orch := scan.New(scan.Options{Classifier: classifier.New(rt), Cache: gw, Workers: 2})
	return New(cfg, Deps{Scanner: orch, Verdicts: gw}), st
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".apk")
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

type scanEnvelope struct {
	Success []scan.Result `json:"success"`
	Error   string        `json:"error"`
}

func doScan(t *testing.T, s *Server, files map[string][]byte) (*httptest.ResponseRecorder, scanEnvelope) {
	t.Helper()
	body, ct := multipartBody(t, files)
	req := httptest.NewRequest(http.MethodPost, "/scan", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var env scanEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return rr, env
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, baseTestConfig(), &fixedRuntime{})
	for _, path := range []string{"/", "/health"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("%s: missing CORS header", path)
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s: missing request id", path)
		}
	}
}

func TestScanThenQuery(t *testing.T) {
	rt := &fixedRuntime{}
	s, _ := newTestServer(t, baseTestConfig(), rt)
	a := apktest.APK(nil, apktest.Code(0x0e))
	b := apktest.APK([]string{"android.permission.INTERNET"}, apktest.Code(0x0f))

	rr, env := doScan(t, s, map[string][]byte{"first": a, "second": b, "notes": []byte("plain text")})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(env.Success) != 2 {
		t.Fatalf("expected 2 results, got %+v", env.Success)
	}
	if env.Success[0].Fingerprint > env.Success[1].Fingerprint {
		t.Fatalf("results not sorted")
	}
	if env.Success[0].Verdict.Detection != classifier.Banking || env.Success[0].Verdict.Probability != 0.8 {
		t.Fatalf("unexpected verdict %+v", env.Success[0].Verdict)
	}
	if !strings.Contains(rr.Body.String(), `"prediction":{"det":"banking","proba":0.8}`) {
		t.Fatalf("unexpected wire format %s", rr.Body.String())
	}

	fp := fingerprint.Of(a)
	qr := httptest.NewRecorder()
	s.Handler().ServeHTTP(qr, httptest.NewRequest(http.MethodGet, "/query/"+strings.ToUpper(string(fp)), nil))
	if qr.Code != http.StatusOK {
		t.Fatalf("query: expected 200, got %d: %s", qr.Code, qr.Body.String())
	}
	var q struct {
		Success scan.Result `json:"success"`
	}
	if err := json.Unmarshal(qr.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode query: %v", err)
	}
	if q.Success.Fingerprint != fp || q.Success.Verdict.Detection != classifier.Banking {
		t.Fatalf("unexpected query result %+v", q.Success)
	}

	if _, _ = doScan(t, s, map[string][]byte{"again": a}); rt.calls != 1 {
		t.Fatalf("repeat scan should be served from cache, runtime calls=%d", rt.calls)
	}
}

func TestQueryNotFound(t *testing.T) {
	s, _ := newTestServer(t, baseTestConfig(), &fixedRuntime{})
	for _, path := range []string{"/query/" + string(fingerprint.Of([]byte("never"))), "/query/not-a-hash"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rr.Code)
		}
		if strings.TrimSpace(rr.Body.String()) != `{"error":"Not found"}` {
			t.Fatalf("%s: unexpected body %s", path, rr.Body.String())
		}
	}
}

func TestQueryStoreErrorIsOpaque(t *testing.T) {
	s := New(baseTestConfig(), Deps{Verdicts: failingLookup{}})
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/query/"+string(fingerprint.Of([]byte("x"))), nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "mongodb") || !strings.Contains(rr.Body.String(), msgInternal) {
		t.Fatalf("internal error leaked: %s", rr.Body.String())
	}
}

func TestScanInferenceFailure(t *testing.T) {
	s, st := newTestServer(t, baseTestConfig(), &fixedRuntime{err: errors.New("onnx session lost")})
	files := map[string][]byte{}
	for i, op := range []uint8{0x00, 0x01, 0x07, 0x0e, 0x0f} {
		files[string(rune('a'+i))] = apktest.APK(nil, apktest.Code(op))
	}

	rr, env := doScan(t, s, files)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if env.Error != msgScanFailed || env.Success != nil {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if st.Len() != 0 {
		t.Fatalf("nothing should be cached after failure")
	}
}

func TestScanNonFiniteScoresFailCleanly(t *testing.T) {
	nan := float32(math.NaN())
	rt := &fixedRuntime{scores: []float32{nan, nan, nan, nan, nan}}
	s, st := newTestServer(t, baseTestConfig(), rt)

	rr, env := doScan(t, s, map[string][]byte{"a": apktest.APK(nil, apktest.Code(0x0e))})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if env.Error != msgScanFailed || env.Success != nil {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if st.Len() != 0 {
		t.Fatalf("non-finite verdicts must not be cached")
	}
}

func TestWriteJSONUnencodablePayload(t *testing.T) {
	rr := httptest.NewRecorder()
	writeSuccess(rr, http.StatusOK, map[string]float64{"proba": math.NaN()})

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var env errorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	if env.Error != msgInternal {
		t.Fatalf("unexpected error %q", env.Error)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(ctx context.Context, ev *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close(ctx context.Context) error { return nil }

func TestScanEmitsEventWhenSinksConfigured(t *testing.T) {
	sink := &recordingSink{}
	emitter := events.NewEmitter(events.EmitterConfig{QueueSize: 4}, []events.Sink{sink})

	st := memstore.New()
	gw := cache.New(st, nil)
	orch := scan.New(scan.Options{Classifier: classifier.New(&fixedRuntime{}), Cache: gw, Workers: 2})
	s := New(baseTestConfig(), Deps{Scanner: orch, Verdicts: gw, Events: emitter})

	rr, _ := doScan(t, s, map[string][]byte{"a": apktest.APK(nil, apktest.Code(0x0e))})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	emitter.Close(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Decision != events.DecisionOK || len(ev.Files) != 1 || ev.Files[0].Detection != "banking" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestScanEmptyAndRejected(t *testing.T) {
	s, _ := newTestServer(t, baseTestConfig(), &fixedRuntime{})
	rr, _ := doScan(t, s, map[string][]byte{"doc": []byte("%PDF")})
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"success":[]}` {
		t.Fatalf("expected empty success, got %d %s", rr.Code, rr.Body.String())
	}

	rr, _ = doScan(t, s, nil)
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"success":[]}` {
		t.Fatalf("expected empty success for no parts, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestScanRejectsBadBodies(t *testing.T) {
	cfg := baseTestConfig()
	cfg.Server.MaxRequestBodyBytes = 1024
	s, _ := newTestServer(t, cfg, &fixedRuntime{})

	req := httptest.NewRequest(http.MethodPost, "/scan", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	body, ct := multipartBody(t, map[string][]byte{"big": bytes.Repeat([]byte("PK"), 4096)})
	req = httptest.NewRequest(http.MethodPost, "/scan", body)
	req.Header.Set("Content-Type", ct)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, baseTestConfig(), &fixedRuntime{})
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/scan", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := baseTestConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	s, _ := newTestServer(t, cfg, &fixedRuntime{})

	if rr, _ := doScan(t, s, nil); rr.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rr.Code)
	}
	rr, env := doScan(t, s, nil)
	if rr.Code != http.StatusTooManyRequests || env.Error != msgRateLimited {
		t.Fatalf("expected 429, got %d %+v", rr.Code, env)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, baseTestConfig(), &fixedRuntime{})
	req := httptest.NewRequest(http.MethodOptions, "/scan", nil)
	req.Header.Set("Origin", "https://ui.example.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Headers") != "content-type" {
		t.Fatalf("unexpected allow headers %q", rr.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t, baseTestConfig(), &fixedRuntime{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-42")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") != "caller-42" {
		t.Fatalf("expected caller request id to be echoed, got %q", rr.Header().Get("X-Request-ID"))
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	cfg := baseTestConfig()
	cfg.Server.MaxConnections = 4
	cfg.Server.ShutdownTimeout = time.Second
	s, _ := newTestServer(t, cfg, &fixedRuntime{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
