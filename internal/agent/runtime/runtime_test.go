package runtime

import (
	"fmt"
	"strings"
	"testing"

	"github.com/airlock-project/airlock/common/wire"
)

func collect(t *testing.T, stream string) ([]*wire.Event, bool, error) {
	t.Helper()
	var events []*wire.Event
	sawDone, err := DecodeStream(strings.NewReader(stream), func(evt *wire.Event) error {
		events = append(events, evt)
		return nil
	})
	return events, sawDone, err
}

func TestDecodeStream_OrderAndDone(t *testing.T) {
	stream := `{"type":"text","content":"thinking "}
{"type":"tool_use","toolName":"read_file","input":{"path":"notes.md"}}
{"type":"text","content":"answer"}
{"type":"done","result":{"response":"answer","success":true,"costUsd":0.01,"numTurns":1,"durationMs":120}}
`
	events, sawDone, err := collect(t, stream)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if !sawDone {
		t.Fatal("expected sawDone")
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	wantTypes := []string{wire.EventText, wire.EventToolUse, wire.EventText, wire.EventDone}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d type = %q, want %q", i, events[i].Type, want)
		}
	}
	if events[3].Result == nil || !events[3].Result.Success {
		t.Errorf("done result = %+v, want success", events[3].Result)
	}
}

func TestDecodeStream_SkipsMalformedLines(t *testing.T) {
	stream := `{"type":"text","content":"a"}
this is not json
{"type":"shrug"}
{"type":"done","result":{"response":"a","success":true}}
`
	events, sawDone, err := collect(t, stream)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if !sawDone {
		t.Fatal("expected sawDone")
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (malformed lines skipped)", len(events))
	}
}

func TestDecodeStream_StopsAtDone(t *testing.T) {
	stream := `{"type":"done","result":{"response":"","success":true}}
{"type":"text","content":"after the end"}
`
	events, sawDone, err := collect(t, stream)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if !sawDone {
		t.Fatal("expected sawDone")
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want reading to stop at done", len(events))
	}
}

func TestDecodeStream_NoDoneAtEOF(t *testing.T) {
	events, sawDone, err := collect(t, `{"type":"text","content":"cut off"}`+"\n")
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if sawDone {
		t.Fatal("sawDone = true for a stream with no done event")
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestDecodeStream_EmitErrorAborts(t *testing.T) {
	stream := `{"type":"text","content":"one"}
{"type":"text","content":"two"}
`
	calls := 0
	_, err := DecodeStream(strings.NewReader(stream), func(evt *wire.Event) error {
		calls++
		return fmt.Errorf("consumer gone")
	})
	if err == nil || !strings.Contains(err.Error(), "consumer gone") {
		t.Fatalf("err = %v, want emit error", err)
	}
	if calls != 1 {
		t.Fatalf("emit called %d times, want 1", calls)
	}
}

func TestBuildEnv_TokenHandling(t *testing.T) {
	base := []string{"PATH=/usr/bin", EnvSessionToken + "=stale-inherited-token"}

	env := BuildEnv(base, Job{Tier: wire.TierReadOnly, UserID: "usr_1", SessionToken: "tok_fresh"}, "http://relay:8787")

	var gotToken, gotTier, gotUser, gotURL bool
	for _, kv := range env {
		switch {
		case kv == EnvSessionToken+"=tok_fresh":
			gotToken = true
		case kv == EnvSessionToken+"=stale-inherited-token":
			t.Error("inherited session token leaked into child env")
		case kv == EnvTier+"="+string(wire.TierReadOnly):
			gotTier = true
		case kv == EnvUserID+"=usr_1":
			gotUser = true
		case kv == EnvCapabilitiesURL+"=http://relay:8787":
			gotURL = true
		}
	}
	if !gotToken || !gotTier || !gotUser || !gotURL {
		t.Errorf("env missing vars: token=%v tier=%v user=%v url=%v", gotToken, gotTier, gotUser, gotURL)
	}
}

func TestBuildEnv_NoTokenMeansNoVar(t *testing.T) {
	env := BuildEnv([]string{"HOME=/home/agent"}, Job{Tier: wire.TierFullAccess}, "")
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvSessionToken+"=") {
			t.Fatalf("session token var set without a token: %q", kv)
		}
		if strings.HasPrefix(kv, EnvCapabilitiesURL+"=") {
			t.Fatalf("capabilities url var set without a url: %q", kv)
		}
	}
}

func TestNewSubprocess_EmptyCommand(t *testing.T) {
	if _, err := NewSubprocess("   ", "/tmp", "", nil); err == nil {
		t.Fatal("expected error for empty runner command")
	}
}

func TestNewSubprocess_SplitsArgv(t *testing.T) {
	s, err := NewSubprocess("node runner/main.js --stdio", "/work", "", nil)
	if err != nil {
		t.Fatalf("NewSubprocess: %v", err)
	}
	want := []string{"node", "runner/main.js", "--stdio"}
	if len(s.argv) != len(want) {
		t.Fatalf("argv = %v, want %v", s.argv, want)
	}
	for i := range want {
		if s.argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", s.argv, want)
		}
	}
}
