package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/airlock-project/airlock/common/redact"
	"github.com/airlock-project/airlock/common/wire"
	"github.com/airlock-project/airlock/internal/agent/runtime"
)

// streamBacklog is the producer/consumer buffer. A slow client applies
// backpressure to the runner once it fills.
const streamBacklog = 64

// toolInputRedacted replaces a tool_use input that matched the filter.
// Redacting inside opaque JSON risks breaking its syntax, so the whole
// input collapses instead.
var toolInputRedacted = json.RawMessage(`{"redacted":"input contained secret material"}`)

// stream runs the job and writes its events as NDJSON. Headers go out
// before the runner starts, so every failure after this point is reported
// in-band: a stream that ends without a done event from the runner gets a
// synthesized done with success=false.
func (s *Server) stream(ctx context.Context, w http.ResponseWriter, job runtime.Job, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	chunks := redact.NewChunkBuffer(s.filter, redact.Policy{BlockHigh: true})
	events := make(chan *wire.Event, streamBacklog)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		return s.runner.Run(gctx, job, func(evt *wire.Event) error {
			select {
			case events <- evt:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	var sawDone bool
	g.Go(func() error {
		for evt := range events {
			out := s.scrub(chunks, evt, log)
			line, err := json.Marshal(out)
			if err != nil {
				continue
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			if out.Type == wire.EventDone {
				sawDone = true
			}
		}
		return nil
	})

	err := g.Wait()
	if sawDone {
		if err != nil {
			log.Debug("stream finished with trailing error", "err", err)
		}
		return
	}

	// In-band terminal event. The error text passes through the filter the
	// same as any other outbound content.
	msg := "query failed"
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg = "query timed out"
	case err != nil:
		msg = s.filter.Redact(err.Error())
	}
	final := &wire.Event{Type: wire.EventDone, Result: &wire.DoneResult{Success: false, Error: msg}}
	if line, merr := json.Marshal(final); merr == nil {
		if _, werr := w.Write(append(line, '\n')); werr == nil && flusher != nil {
			flusher.Flush()
		}
	}
	log.Warn("query aborted", "err", err, "timeout", errors.Is(ctx.Err(), context.DeadlineExceeded))
}

// scrub applies the secret filter to one outbound event. Text content runs
// through the rolling window so secrets split across chunks are caught; the
// done result and tool inputs are scanned whole.
func (s *Server) scrub(chunks *redact.ChunkBuffer, evt *wire.Event, log *slog.Logger) *wire.Event {
	switch evt.Type {
	case wire.EventText:
		dec := chunks.Scan(evt.Content)
		if len(dec.Matches) == 0 {
			return evt
		}
		logMatches(log, "stream chunk", dec.Matches)
		out := *evt
		out.Content = dec.Sanitized
		return &out

	case wire.EventToolUse:
		if len(evt.Input) == 0 {
			return evt
		}
		matches := s.filter.Scan(string(evt.Input))
		if len(matches) == 0 {
			return evt
		}
		logMatches(log, "tool input", matches)
		out := *evt
		out.Input = toolInputRedacted
		return &out

	case wire.EventDone:
		if evt.Result == nil {
			return evt
		}
		res := *evt.Result
		if matches := s.filter.Scan(res.Response); len(matches) > 0 {
			logMatches(log, "done response", matches)
			res.Response = s.filter.Redact(res.Response)
		}
		res.Error = s.filter.Redact(res.Error)
		out := *evt
		out.Result = &res
		return &out
	}
	return evt
}

// logMatches records what was caught without echoing it. Pattern IDs only.
func logMatches(log *slog.Logger, where string, matches []redact.Match) {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.PatternID)
	}
	log.Warn("secret redacted from output", "where", where, "patterns", ids)
}
