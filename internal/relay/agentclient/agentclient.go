// Package agentclient is the relay's client for the agent query server.
//
// A query is one signed POST answered by an NDJSON stream. The client
// verifies nothing about event content; it parses lines, feeds them to the
// caller, and enforces liveness: an agent that goes silent mid-stream for
// too long gets the stream cut with a stream-idle-timeout fault.
//
// Conversations layers chat semantics on top: it keeps the chat → runtime
// session mapping, filling ResumeSessionID on follow-up queries and saving
// the session the done event reports.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/trace"
	"github.com/airlock-project/airlock/common/wire"
)

const (
	// chunkIdleTimeout is the longest the stream may go without a new
	// event before the client aborts it.
	chunkIdleTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 8 << 10

	queryPath = "/v1/query"
)

// Handler receives each stream event as it arrives. Returning an error
// aborts the stream and surfaces that error from Query.
type Handler func(evt *wire.Event) error

// StreamGauge tracks how many query streams are open. prometheus.Gauge
// satisfies it.
type StreamGauge interface {
	Inc()
	Dec()
}

// Client queries one agent.
type Client struct {
	baseURL    string
	signer     *envelope.Signer
	httpClient *http.Client
	idle       time.Duration
	streams    StreamGauge
}

// New builds a client for the agent at baseURL, signing with the given
// signer. The underlying HTTP client carries no overall timeout: streams
// legitimately run for minutes, so liveness is the idle watchdog's job and
// the caller's context bounds the total.
func New(baseURL string, signer *envelope.Signer) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		signer:  signer,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   2,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		idle: chunkIdleTimeout,
	}
}

// InstrumentStreams registers a gauge moved on stream open and close.
func (c *Client) InstrumentStreams(g StreamGauge) { c.streams = g }

// Query sends one query and consumes its stream until the done event, the
// context ends, the handler aborts, or the agent goes idle. It returns the
// done result on success.
func (c *Client) Query(ctx context.Context, scope envelope.Scope, req *wire.QueryRequest, fn Handler) (*wire.DoneResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	header, err := c.signer.Sign(http.MethodPost, queryPath, body, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to sign query: %w", err)
	}

	// The watchdog cancels this derived context; timedOut disambiguates
	// its cancellation from the caller's.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(c.idle, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+queryPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build query request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	trace.SetHeader(ctx, httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if timedOut.Load() {
			return nil, fault.New(fault.StreamIdleTimeout, "agent did not answer within %s", c.idle)
		}
		return nil, fault.Wrap(err, fault.TransientNetwork, "agent request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}

	if c.streams != nil {
		c.streams.Inc()
		defer c.streams.Dec()
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			watchdog.Reset(c.idle)
			evt, perr := wire.ParseEvent(bytes.TrimSpace(line))
			if perr != nil {
				return nil, fault.Wrap(perr, fault.Abort, "agent stream corrupted")
			}
			if fn != nil {
				if herr := fn(evt); herr != nil {
					return nil, herr
				}
			}
			if evt.Type == wire.EventDone {
				return evt.Result, nil
			}
		}
		if err != nil {
			switch {
			case timedOut.Load():
				return nil, fault.New(fault.StreamIdleTimeout, "agent stream idle for %s", c.idle)
			case ctx.Err() != nil:
				return nil, fault.Wrap(ctx.Err(), fault.Abort, "query aborted")
			case errors.Is(err, io.EOF):
				return nil, fault.New(fault.Abort, "agent stream ended without done event")
			default:
				return nil, fault.Wrap(err, fault.TransientNetwork, "agent stream read failed")
			}
		}
	}
}

// errorFromResponse turns a non-200 agent answer into a fault, trusting the
// body's errorCode when it names a known kind.
func errorFromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var wireErr struct {
		Error     string `json:"error"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(data, &wireErr); err == nil && wireErr.ErrorCode != "" {
		if kind, ok := fault.ParseKind(wireErr.ErrorCode); ok {
			fe := fault.New(kind, "agent rejected query: %s", wireErr.Error)
			if after := retryAfterHeader(resp); after > 0 {
				fe = fe.WithRetryAfter(after)
			}
			return fe
		}
	}

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return fault.New(fault.OversizeEntry, "agent rejected query: payload too large")
	case resp.StatusCode == http.StatusTooManyRequests:
		fe := fault.New(fault.RateLimited, "agent rejected query: rate limited")
		if after := retryAfterHeader(resp); after > 0 {
			fe = fe.WithRetryAfter(after)
		}
		return fe
	case resp.StatusCode >= 500:
		return fault.New(fault.Unavailable, "agent failed with status %d", resp.StatusCode)
	default:
		return fault.New(fault.Internal, "agent rejected query with status %d", resp.StatusCode)
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
