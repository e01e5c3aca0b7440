package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/audit"
)

type tokenRequest struct {
	TTLMs  int64  `json:"ttlMs,omitempty"`
	UserID string `json:"userId,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleSessionToken mints a bearer token in the caller's own scope. The
// route is envelope-only, so a token holder can never refresh itself; the
// token never appears in logs or audit output.
func (s *Server) handleSessionToken(ctx context.Context, c *call) (any, error) {
	var req tokenRequest
	if len(c.body) > 0 {
		if err := json.Unmarshal(c.body, &req); err != nil {
			return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
		}
	}

	token, expiresAt, err := s.tokens.Issue(c.scope, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Kind:   audit.KindSessionIssued,
		Actor:  c.actor,
		Target: string(c.scope),
		Detail: "expires " + expiresAt.UTC().Format(time.RFC3339),
	})
	return tokenResponse{Token: token, ExpiresAt: expiresAt}, nil
}
