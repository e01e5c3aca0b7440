package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/audit"
	"github.com/airlock-project/airlock/internal/relay/store"
)

// Caps on memory entry fields. Content is measured in runes so multibyte
// text is not penalized.
const (
	MaxEntryContent = 500
	MaxEntryID      = 128
	MaxChatID       = 64
	MaxEntriesPerOp = 5
	MaxSnapshotRows = 500
)

// proposeSchemaJSON shapes /v1/memory.propose bodies before semantic
// validation. Field caps are enforced again in checkEntry; the schema's job
// is structure, not policy.
const proposeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entries"],
  "properties": {
    "entries": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "category", "content"],
        "properties": {
          "id":       {"type": "string", "minLength": 1},
          "category": {"type": "string", "enum": ["profile", "interests", "threads", "posts", "meta"]},
          "content":  {"type": "string", "minLength": 1},
          "chatId":   {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "userId": {"type": "string"}
  },
  "additionalProperties": false
}`

const proposeSchemaURL = "https://airlock.schemas.local/memory-propose.schema.json"

func compileProposeSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(proposeSchemaURL, strings.NewReader(proposeSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to load propose schema: %w", err)
	}
	schema, err := c.Compile(proposeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile propose schema: %w", err)
	}
	return schema, nil
}

// memoryEntryJSON is the wire form of a stored entry.
type memoryEntryJSON struct {
	ID         string     `json:"id"`
	Category   string     `json:"category"`
	Content    string     `json:"content"`
	Source     string     `json:"source"`
	Trust      string     `json:"trust"`
	ChatID     string     `json:"chatId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	PromotedAt *time.Time `json:"promotedAt,omitempty"`
	PromotedBy string     `json:"promotedBy,omitempty"`
	PostedAt   *time.Time `json:"postedAt,omitempty"`
}

func entryJSON(e *store.MemoryEntry) memoryEntryJSON {
	return memoryEntryJSON{
		ID:         e.ID,
		Category:   e.Category,
		Content:    e.Content,
		Source:     e.Source,
		Trust:      e.Trust,
		ChatID:     e.ChatID,
		CreatedAt:  e.CreatedAt,
		PromotedAt: e.PromotedAt,
		PromotedBy: e.PromotedBy,
		PostedAt:   e.PostedAt,
	}
}

func entriesJSON(rows []*store.MemoryEntry) []memoryEntryJSON {
	out := make([]memoryEntryJSON, 0, len(rows))
	for _, e := range rows {
		out = append(out, entryJSON(e))
	}
	return out
}

type proposeRequest struct {
	Entries []proposeEntry `json:"entries"`
	UserID  string         `json:"userId,omitempty"`
}

type proposeEntry struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Content  string `json:"content"`
	ChatID   string `json:"chatId,omitempty"`
}

func (s *Server) handleMemoryPropose(ctx context.Context, c *call) (any, error) {
	var loose any
	if err := json.Unmarshal(c.body, &loose); err != nil {
		return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
	}
	if err := s.proposeSchema.Validate(loose); err != nil {
		return nil, s.rejectMemory(ctx, c, "propose",
			fault.New(fault.InvalidArgument, "request body does not match the propose schema"))
	}

	var req proposeRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
	}
	if len(req.Entries) > MaxEntriesPerOp {
		return nil, s.rejectMemory(ctx, c, "propose",
			fault.New(fault.TooManyEntries, "at most %d entries per call", MaxEntriesPerOp))
	}

	entries := make([]store.NewEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		if err := s.checkEntry(e.ID, e.Content, e.ChatID); err != nil {
			return nil, s.rejectMemory(ctx, c, e.ID, err)
		}
		entries = append(entries, store.NewEntry{
			ID:       e.ID,
			Category: e.Category,
			Content:  e.Content,
			ChatID:   e.ChatID,
		})
	}

	created, err := s.store.CreateEntries(ctx, entries, string(c.scope))
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entriesJSON(created)}, nil
}

type snapshotRequest struct {
	Categories []string `json:"categories,omitempty"`
	Trust      []string `json:"trust,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	ChatID     string   `json:"chatId,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	UserID     string   `json:"userId,omitempty"`
}

func (s *Server) handleMemorySnapshot(ctx context.Context, c *call) (any, error) {
	var req snapshotRequest
	if len(c.body) > 0 {
		if err := json.Unmarshal(c.body, &req); err != nil {
			return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
		}
	}
	if len(req.ChatID) > MaxChatID {
		return nil, fault.New(fault.OversizeEntry, "chatId exceeds %d chars", MaxChatID)
	}

	f := store.SnapshotFilter{
		Categories:   req.Categories,
		Trust:        req.Trust,
		Sources:      req.Sources,
		ChatID:       req.ChatID,
		Limit:        normalizeLimit(req.Limit),
		PublicCaller: c.scope == envelope.ScopePublic,
	}
	// Public callers read public-source entries only, whatever they asked
	// for. The store applies the same restriction through PublicCaller.
	if f.PublicCaller {
		f.Sources = []string{store.SourcePublic}
	}

	rows, err := s.store.Snapshot(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entriesJSON(rows)}, nil
}

type quarantineRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	ChatID  string `json:"chatId,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

func (s *Server) handleMemoryQuarantine(ctx context.Context, c *call) (any, error) {
	var req quarantineRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
	}
	if req.ID == "" || req.Content == "" {
		return nil, fault.New(fault.InvalidArgument, "id and content are required")
	}
	if err := s.checkEntry(req.ID, req.Content, req.ChatID); err != nil {
		return nil, s.rejectMemory(ctx, c, req.ID, err)
	}

	entry, err := s.store.CreateQuarantined(ctx, req.ID, req.Content, req.ChatID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entryJSON(entry)}, nil
}

type promoteRequest struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
}

func (s *Server) handleMemoryPromote(ctx context.Context, c *call) (any, error) {
	var req promoteRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
	}
	if req.ID == "" {
		return nil, fault.New(fault.InvalidArgument, "id is required")
	}
	if len(req.ID) > MaxEntryID {
		return nil, fault.New(fault.OversizeEntry, "id exceeds %d chars", MaxEntryID)
	}

	entry, changed, err := s.store.PromoteTrust(ctx, req.ID, c.actor)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fault.New(fault.InvalidArgument, "entry %q is not promotable", req.ID)
	}
	return map[string]any{"entry": entryJSON(entry)}, nil
}

// checkEntry runs the content policy every write path shares: field caps,
// no markup, no prompt-injection phrasings, no infrastructure secrets.
func (s *Server) checkEntry(id, content, chatID string) error {
	if len(id) > MaxEntryID {
		return fault.New(fault.OversizeEntry, "id exceeds %d chars", MaxEntryID)
	}
	if len(chatID) > MaxChatID {
		return fault.New(fault.OversizeEntry, "chatId exceeds %d chars", MaxChatID)
	}
	if len([]rune(content)) > MaxEntryContent {
		return fault.New(fault.OversizeEntry, "content exceeds %d chars", MaxEntryContent)
	}
	if htmlTagRe.MatchString(content) {
		return fault.New(fault.HTMLInMemory, "content may not contain HTML or XML tags")
	}
	if err := checkInjection(content); err != nil {
		return err
	}
	return s.promptGuard.Check(content)
}

// rejectMemory audits a refused write and passes the fault through.
func (s *Server) rejectMemory(ctx context.Context, c *call, target string, err error) error {
	s.audit.Record(ctx, audit.Event{
		Kind:   audit.KindMemoryRejected,
		Actor:  c.actor,
		Target: target,
		Detail: err.Error(),
	})
	return err
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 200
	case limit > MaxSnapshotRows:
		return MaxSnapshotRows
	default:
		return limit
	}
}
