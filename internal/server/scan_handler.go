package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/straja-ai/apkguard/internal/events"
	"github.com/straja-ai/apkguard/internal/redact"
	"github.com/straja-ai/apkguard/internal/telemetry"
)

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDFrom(r.Context())

	if s.cfg.MaxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodyBytes)
	}

	files, status, err := readParts(r)
	if err != nil {
		redact.Logf("scan: request=%s rejected body: %v", requestID, err)
		msg := msgBadMultipart
		if status == http.StatusRequestEntityTooLarge {
			msg = msgTooLarge
		}
		s.telemetry.RecordScan(r.Context(), telemetry.ScanMetrics{
			Decision:   string(events.DecisionBadRequest),
			DurationMs: msSince(start),
		})
		writeError(w, status, msg)
		return
	}

	ctx, span := s.telemetry.Tracer().Start(r.Context(), "apkguard.scan",
		trace.WithAttributes(telemetry.SafeAttributes(map[string]interface{}{
			"apkguard.request_id": requestID,
			"apkguard.files":      len(files),
		})...))
	defer span.End()

	results, stats, err := s.scanner.ScanWithStats(ctx, files)
	decision := events.DecisionOK
	if err != nil {
		decision = events.DecisionErrorInference
		span.RecordError(err)
		span.SetStatus(codes.Error, msgScanFailed)
	}
	span.SetAttributes(telemetry.SafeAttributes(map[string]interface{}{
		"apkguard.accepted":   stats.Accepted,
		"apkguard.cache_hits": stats.CacheHits,
		"apkguard.inferred":   stats.Inferred,
		"apkguard.decision":   string(decision),
	})...)

	total := time.Since(start)
	s.telemetry.RecordScan(ctx, telemetry.ScanMetrics{
		Decision:    string(decision),
		Files:       stats.Submitted,
		Accepted:    stats.Accepted,
		CacheHits:   stats.CacheHits,
		Inferred:    stats.Inferred,
		Unparseable: stats.Unparseable,
		DurationMs:  float64(total) / float64(time.Millisecond),
		InferenceMs: float64(stats.Inference) / float64(time.Millisecond),
	})
	if s.events != nil {
		s.events.Emit(events.Build(requestID, decision, results, stats, total))
	}

	if err != nil {
		redact.Logf("scan: request=%s files=%d failed: %v", requestID, stats.Submitted, err)
		writeError(w, http.StatusInternalServerError, msgScanFailed)
		return
	}

	redact.Logf("scan: request=%s files=%d accepted=%d cache_hits=%d inferred=%d unparseable=%d took=%s",
		requestID, stats.Submitted, stats.Accepted, stats.CacheHits, stats.Inferred, stats.Unparseable, total.Round(time.Millisecond))
	writeSuccess(w, http.StatusOK, results)
}

// readParts reads every multipart part as one file, whatever its field name.
// The returned status is the HTTP status to use when err is non-nil.
func readParts(r *http.Request) ([][]byte, int, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	var files [][]byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return files, 0, nil
		}
		if err != nil {
			return nil, bodyErrorStatus(err), err
		}
		data, err := readPart(part)
		if err != nil {
			return nil, bodyErrorStatus(err), err
		}
		files = append(files, data)
	}
}

func readPart(part *multipart.Part) ([]byte, error) {
	defer part.Close()
	return io.ReadAll(part)
}

func bodyErrorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
