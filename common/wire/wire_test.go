package wire_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/airlock-project/airlock/common/wire"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func validRequest() *wire.QueryRequest {
	return &wire.QueryRequest{
		Prompt:  "hi",
		Tier:    "READ_ONLY",
		PoolKey: "p1",
		UserID:  "u1",
	}
}

// ── QueryRequest ─────────────────────────────────────────────────────────────

func TestQueryRequest_Validate_Valid(t *testing.T) {
	if err := validRequest().Validate(); err != nil {
		t.Errorf("Validate: unexpected error: %v", err)
	}
}

func TestQueryRequest_Validate_EmptyPrompt(t *testing.T) {
	req := validRequest()
	req.Prompt = ""
	if err := req.Validate(); err == nil {
		t.Error("Validate: expected error for empty prompt, got nil")
	}
}

func TestQueryRequest_Validate_EmptyPoolKey(t *testing.T) {
	req := validRequest()
	req.PoolKey = ""
	if err := req.Validate(); err == nil {
		t.Error("Validate: expected error for empty poolKey, got nil")
	}
}

func TestQueryRequest_Validate_UnknownTier(t *testing.T) {
	req := validRequest()
	req.Tier = "SUPERUSER"
	if err := req.Validate(); err == nil {
		t.Error("Validate: expected error for unknown tier, got nil")
	}
}

func TestQueryRequest_Validate_NegativeTimeout(t *testing.T) {
	req := validRequest()
	req.TimeoutMs = -1
	if err := req.Validate(); err == nil {
		t.Error("Validate: expected error for negative timeoutMs, got nil")
	}
}

func TestQueryRequest_Validate_OversizePromptAllowed(t *testing.T) {
	// Oversize prompts are a payload-size condition the server maps to its
	// own status; Validate must not reject them.
	req := validRequest()
	req.Prompt = strings.Repeat("a", wire.MaxPromptChars+1)
	if err := req.Validate(); err != nil {
		t.Errorf("Validate: unexpected error for long prompt: %v", err)
	}
}

func TestQueryRequest_SessionTokenOmittedWhenEmpty(t *testing.T) {
	data, err := json.Marshal(validRequest())
	if err != nil {
		t.Fatalf("json.Marshal: unexpected error: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("json.Unmarshal: unexpected error: %v", err)
	}
	if _, present := raw["sessionToken"]; present {
		t.Error("expected 'sessionToken' to be omitted when empty, but it was present")
	}
}

// ── Tier ─────────────────────────────────────────────────────────────────────

func TestParseTier_WireForms(t *testing.T) {
	cases := []struct {
		in   string
		want wire.Tier
	}{
		{"READ_ONLY", wire.TierReadOnly},
		{"WRITE_SAFE", wire.TierWriteLocal},
		{"WRITE_LOCAL", wire.TierWriteLocal},
		{"FULL_ACCESS", wire.TierFullAccess},
		{"PUBLIC_SOCIAL", wire.TierPublicSocial},
		{"read-only", wire.TierReadOnly},
		{"public-social", wire.TierPublicSocial},
	}
	for _, tc := range cases {
		got, err := wire.ParseTier(tc.in)
		if err != nil {
			t.Errorf("ParseTier(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTier(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseTier_Unknown(t *testing.T) {
	for _, in := range []string{"", "admin", "Read_Only", "READONLY"} {
		if _, err := wire.ParseTier(in); err == nil {
			t.Errorf("ParseTier(%q): expected error, got nil", in)
		}
	}
}

// ── Event ────────────────────────────────────────────────────────────────────

func TestParseEvent_Text(t *testing.T) {
	evt, err := wire.ParseEvent([]byte(`{"type":"text","content":"hello"}`))
	if err != nil {
		t.Fatalf("ParseEvent: unexpected error: %v", err)
	}
	if evt.Type != wire.EventText {
		t.Errorf("Type: got %q, want %q", evt.Type, wire.EventText)
	}
	if evt.Content != "hello" {
		t.Errorf("Content: got %q, want %q", evt.Content, "hello")
	}
}

func TestParseEvent_ToolUse(t *testing.T) {
	evt, err := wire.ParseEvent([]byte(`{"type":"tool_use","toolName":"Read","input":{"path":"/tmp/x"}}`))
	if err != nil {
		t.Fatalf("ParseEvent: unexpected error: %v", err)
	}
	if evt.ToolName != "Read" {
		t.Errorf("ToolName: got %q, want %q", evt.ToolName, "Read")
	}
	var input map[string]interface{}
	if err := json.Unmarshal(evt.Input, &input); err != nil {
		t.Fatalf("Input unmarshal: unexpected error: %v", err)
	}
	if input["path"] != "/tmp/x" {
		t.Errorf("Input[path]: got %v, want %q", input["path"], "/tmp/x")
	}
}

func TestParseEvent_Done(t *testing.T) {
	line := `{"type":"done","result":{"response":"hello","success":true,"costUsd":0,"numTurns":1,"durationMs":5}}`
	evt, err := wire.ParseEvent([]byte(line))
	if err != nil {
		t.Fatalf("ParseEvent: unexpected error: %v", err)
	}
	if evt.Result == nil {
		t.Fatal("Result: got nil, want populated")
	}
	if !evt.Result.Success || evt.Result.Response != "hello" || evt.Result.NumTurns != 1 {
		t.Errorf("Result: got %+v", evt.Result)
	}
}

func TestParseEvent_DoneWithoutResult(t *testing.T) {
	if _, err := wire.ParseEvent([]byte(`{"type":"done"}`)); err == nil {
		t.Error("ParseEvent: expected error for done without result, got nil")
	}
}

func TestParseEvent_UnknownType(t *testing.T) {
	if _, err := wire.ParseEvent([]byte(`{"type":"progress"}`)); err == nil {
		t.Error("ParseEvent: expected error for unknown type, got nil")
	}
}

func TestParseEvent_MalformedJSON(t *testing.T) {
	if _, err := wire.ParseEvent([]byte(`{not json`)); err == nil {
		t.Error("ParseEvent: expected error for malformed JSON, got nil")
	}
}

func TestDoneResult_ErrorOmittedOnSuccess(t *testing.T) {
	data, err := json.Marshal(&wire.Event{
		Type:   wire.EventDone,
		Result: &wire.DoneResult{Response: "ok", Success: true, NumTurns: 1, DurationMs: 5},
	})
	if err != nil {
		t.Fatalf("json.Marshal: unexpected error: %v", err)
	}
	if strings.Contains(string(data), `"error"`) {
		t.Errorf("expected 'error' to be omitted on success, got %s", data)
	}
	if strings.Contains(string(data), `"sessionId"`) {
		t.Errorf("expected 'sessionId' to be omitted when empty, got %s", data)
	}
}
