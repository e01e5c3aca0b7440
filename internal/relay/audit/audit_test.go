package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/airlock-project/airlock/common/trace"
	"github.com/airlock-project/airlock/internal/relay/audit"
)

func captureTrail(t *testing.T) (*audit.Trail, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	return audit.New(log), &buf
}

func TestRecord_CarriesKindActorAndTrace(t *testing.T) {
	trail, buf := captureTrail(t)
	ctx := trace.WithTraceID(context.Background(), "t_abc123")

	trail.Record(ctx, audit.Event{
		Kind:   audit.KindEgressBlocked,
		Actor:  "chat:42",
		Target: "metadata.google.internal",
		Detail: "metadata endpoint",
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("parse audit line: %v (%q)", err, buf.String())
	}
	if line["msg"] != "egress.blocked" || line["audit"] != "egress.blocked" {
		t.Errorf("line = %v, want egress.blocked kind", line)
	}
	if line["actor"] != "chat:42" || line["target"] != "metadata.google.internal" {
		t.Errorf("actor/target = %v / %v", line["actor"], line["target"])
	}
	if line["trace_id"] != "t_abc123" {
		t.Errorf("trace_id = %v, want t_abc123", line["trace_id"])
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN for a denial", line["level"])
	}
}

func TestRecord_ScrubsSecretsFromDetail(t *testing.T) {
	trail, buf := captureTrail(t)

	trail.Record(context.Background(), audit.Event{
		Kind:   audit.KindSecretBlocked,
		Actor:  "chat:42",
		Detail: "payload carried sk-ant-REDACTED in a header",
	})

	out := buf.String()
	if strings.Contains(out, "sk-ant-REDACTED") {
		t.Fatalf("audit line leaked the secret: %s", out)
	}
	if !strings.Contains(out, "payload carried") {
		t.Errorf("audit line lost its surrounding detail: %s", out)
	}
}

func TestRecord_GrantsLogAtInfo(t *testing.T) {
	trail, buf := captureTrail(t)

	trail.Record(context.Background(), audit.Event{
		Kind:  audit.KindSessionIssued,
		Actor: "scope:direct",
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("parse audit line: %v", err)
	}
	if line["level"] != "INFO" {
		t.Errorf("level = %v, want INFO for a grant", line["level"])
	}
}
