package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/straja-ai/apkguard/internal/config"
)

// FromConfig builds the configured sinks and starts an emitter. It returns
// nil, nil when no sinks are configured.
func FromConfig(cfg config.EventsConfig) (*Emitter, error) {
	if len(cfg.Sinks) == 0 {
		return nil, nil
	}

	sinks := make([]Sink, 0, len(cfg.Sinks))
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close(context.Background())
		}
	}
	for i, sc := range cfg.Sinks {
		var (
			s   Sink
			err error
		)
		switch strings.ToLower(strings.TrimSpace(sc.Type)) {
		case "file_jsonl":
			s, err = NewFileSink(sc.Path)
		case "webhook":
			s, err = NewWebhookSink(sc.URL, sc.Headers, sc.Timeout)
		default:
			err = fmt.Errorf("unknown sink type %q", sc.Type)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("events: sink %d: %w", i, err)
		}
		sinks = append(sinks, s)
	}

	return NewEmitter(EmitterConfig{
		QueueSize:       cfg.QueueSize,
		Workers:         cfg.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, sinks), nil
}
