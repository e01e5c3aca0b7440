package agentclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/wire"
	"github.com/airlock-project/airlock/internal/relay/store"
)

// resumeEchoServer records the resumeSessionId of each query and answers
// with a fixed session ID in the done event.
func resumeEchoServer(t *testing.T, sessionID string, seen *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req wire.QueryRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("parse query body: %v", err)
		}
		*seen = append(*seen, req.ResumeSessionID)
		writeEvent(t, w, doneEvent(sessionID))
	}))
}

func newTestConversations(t *testing.T, srvURL string) (*Conversations, *store.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "airlock-test-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	client := New(srvURL, envelope.NewSigner(testRing(t)))
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConversations(client, s, quiet), s
}

func TestConversations_SavesAndResumesSession(t *testing.T) {
	var seen []string
	srv := resumeEchoServer(t, "sess-99", &seen)
	defer srv.Close()

	conv, _ := newTestConversations(t, srv.URL)
	ctx := context.Background()

	// First query: nothing to resume.
	if _, err := conv.Query(ctx, envelope.ScopeDirect, "chat:42", testRequest(), nil); err != nil {
		t.Fatalf("first Query: %v", err)
	}
	// Second query: resumes what the first one reported.
	if _, err := conv.Query(ctx, envelope.ScopeDirect, "chat:42", testRequest(), nil); err != nil {
		t.Fatalf("second Query: %v", err)
	}

	if len(seen) != 2 || seen[0] != "" || seen[1] != "sess-99" {
		t.Errorf("resume IDs seen by agent = %q, want [\"\" \"sess-99\"]", seen)
	}
}

func TestConversations_PoolMismatchStartsFresh(t *testing.T) {
	var seen []string
	srv := resumeEchoServer(t, "sess-99", &seen)
	defer srv.Close()

	conv, s := newTestConversations(t, srv.URL)
	ctx := context.Background()

	if err := s.SaveSession(ctx, "chat:42", "sess-old", "other-pool", 0); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if _, err := conv.Query(ctx, envelope.ScopeDirect, "chat:42", testRequest(), nil); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(seen) != 1 || seen[0] != "" {
		t.Errorf("resume IDs = %q, want [\"\"] for a pool mismatch", seen)
	}
}

func TestConversations_ExplicitResumeWins(t *testing.T) {
	var seen []string
	srv := resumeEchoServer(t, "sess-99", &seen)
	defer srv.Close()

	conv, s := newTestConversations(t, srv.URL)
	ctx := context.Background()

	if err := s.SaveSession(ctx, "chat:42", "sess-saved", "chat:42", 0); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	req := testRequest()
	req.ResumeSessionID = "sess-explicit"
	if _, err := conv.Query(ctx, envelope.ScopeDirect, "chat:42", req, nil); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(seen) != 1 || seen[0] != "sess-explicit" {
		t.Errorf("resume IDs = %q, want [sess-explicit]", seen)
	}
}
