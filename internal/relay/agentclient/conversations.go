package agentclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/wire"
	"github.com/airlock-project/airlock/internal/relay/store"
)

// sessionStore is the slice of the relay store conversations resume through.
type sessionStore interface {
	GetSession(ctx context.Context, chatID string) (*store.Session, error)
	SaveSession(ctx context.Context, chatID, sessionID, poolKey string, ttl time.Duration) error
}

// Conversations runs queries on behalf of chats. It resumes the runtime
// session that last served a chat and records the one the agent reports
// back, so a follow-up message continues the conversation instead of
// starting cold.
type Conversations struct {
	client *Client
	st     sessionStore
	log    *slog.Logger
}

// NewConversations wires chat-session tracking around a query client. A nil
// logger uses slog.Default().
func NewConversations(client *Client, st sessionStore, log *slog.Logger) *Conversations {
	if log == nil {
		log = slog.Default()
	}
	return &Conversations{client: client, st: st, log: log}
}

// Query runs one query for a chat. When the request does not already name a
// session to resume, the chat's saved mapping is used, provided it belongs
// to the same pool. Resume bookkeeping is best effort: a store hiccup costs
// conversation continuity, not the query.
func (c *Conversations) Query(ctx context.Context, scope envelope.Scope, chatID string, req *wire.QueryRequest, fn Handler) (*wire.DoneResult, error) {
	if req.ResumeSessionID == "" && chatID != "" {
		sess, err := c.st.GetSession(ctx, chatID)
		switch {
		case err == nil && sess.PoolKey == req.PoolKey:
			req.ResumeSessionID = sess.SessionID
		case err != nil && !fault.IsKind(err, fault.NotFound):
			c.log.Warn("failed to load resume session", "chat_id", chatID, "error", err)
		}
	}

	res, err := c.client.Query(ctx, scope, req, fn)
	if err != nil {
		return nil, err
	}

	if chatID != "" && res != nil && res.SessionID != "" {
		if serr := c.st.SaveSession(ctx, chatID, res.SessionID, req.PoolKey, 0); serr != nil {
			c.log.Warn("failed to save resume session", "chat_id", chatID, "error", serr)
		}
	}
	return res, nil
}
