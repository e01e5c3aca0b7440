// Package outbox hands workspace files to the external chat loop.
//
// The agent cannot reach the chat platform itself; instead it asks the
// relay to deliver a file it produced inside its workspace. The spooler
// checks the path stays inside the workspace mount, caps the size, scans
// text content with the secret filter, then drops a copy plus a sidecar
// JSON descriptor into the outbox directory the chat loop watches. The
// caller gets back an attachment ref bound to the spooled copy.
package outbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/redact"
	"github.com/airlock-project/airlock/internal/relay/attach"
)

const (
	// MaxFileSize caps delivered files at 25 MiB, the chat platform's
	// upload ceiling.
	MaxFileSize = 25 << 20

	// provider tags attachment refs minted for delivered files.
	provider = "outbox"
)

// Request asks for one file delivery.
type Request struct {
	// Actor is the chat identity the file is delivered to.
	Actor string
	// Filepath locates the file, absolute or relative to the workspace
	// root. It must stay inside the workspace.
	Filepath string
	// Filename overrides the delivered name. Defaults to the source base
	// name.
	Filename string
	// MimeType overrides sniffing.
	MimeType string
	// Caption is optional chat text accompanying the file.
	Caption string
}

// Delivery describes a spooled file.
type Delivery struct {
	Ref      string `json:"attachmentRef"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// sidecar is the JSON descriptor written next to each spooled copy. The
// chat loop reads it to route the file.
type sidecar struct {
	Actor       string `json:"actor"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`
	Caption     string `json:"caption,omitempty"`
	Ref         string `json:"ref"`
	DeliveredAt string `json:"deliveredAt"`
}

// Spooler validates and spools workspace files into the outbox.
type Spooler struct {
	workspaceRoot string
	outboxDir     string
	filter        *redact.Filter
	minter        *attach.Minter
}

// New builds a spooler. Empty workspaceRoot or outboxDir disables delivery;
// Deliver then fails with fault.Unavailable.
func New(workspaceRoot, outboxDir string, filter *redact.Filter, minter *attach.Minter) (*Spooler, error) {
	if outboxDir != "" {
		if err := os.MkdirAll(outboxDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create outbox dir: %w", err)
		}
	}
	if workspaceRoot != "" {
		workspaceRoot = filepath.Clean(workspaceRoot)
	}
	return &Spooler{
		workspaceRoot: workspaceRoot,
		outboxDir:     outboxDir,
		filter:        filter,
		minter:        minter,
	}, nil
}

// ReadWorkspace resolves a caller-named path inside the workspace and
// returns its content and sniffed MIME type. Transcription reads audio
// files through it; Deliver uses the same resolution for spooling.
func (s *Spooler) ReadWorkspace(path string) ([]byte, string, error) {
	if s.workspaceRoot == "" {
		return nil, "", fault.New(fault.Unavailable, "workspace access is not configured")
	}
	src, data, err := s.readFile(path)
	if err != nil {
		return nil, "", err
	}
	return data, sniffMime(filepath.Base(src), data), nil
}

// readFile resolves, checks and reads one workspace file.
func (s *Spooler) readFile(path string) (string, []byte, error) {
	src, err := s.resolve(path)
	if err != nil {
		return "", nil, err
	}

	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fault.New(fault.NotFound, "file not found")
		}
		return "", nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return "", nil, fault.New(fault.InvalidArgument, "path is a directory")
	}
	if info.Size() > MaxFileSize {
		return "", nil, fault.New(fault.OversizeEntry, "file exceeds %d MiB", MaxFileSize>>20)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read file: %w", err)
	}
	return src, data, nil
}

// Deliver validates the file and spools it for the chat loop.
func (s *Spooler) Deliver(ctx context.Context, req Request) (*Delivery, error) {
	if s.workspaceRoot == "" || s.outboxDir == "" {
		return nil, fault.New(fault.Unavailable, "file delivery is not configured")
	}

	src, data, err := s.readFile(req.Filepath)
	if err != nil {
		return nil, err
	}

	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(src)
	}
	filename = filepath.Base(filename) // strip any path the caller smuggled in

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = sniffMime(filename, data)
	}

	// Text payloads and captions are headed for a chat surface, so filter
	// with the outbound stance: critical and high both block.
	if isTextual(mimeType) {
		if d := s.filter.Inspect(string(data), redact.Policy{BlockHigh: true}); d.Blocked {
			return nil, fault.New(fault.InfraSecretDetected, "file contains secret material")
		}
	}
	if req.Caption != "" {
		if d := s.filter.Inspect(req.Caption, redact.Policy{BlockHigh: true}); d.Blocked {
			return nil, fault.New(fault.InfraSecretDetected, "caption contains secret material")
		}
	}

	var nonce [4]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate spool name: %w", err)
	}
	spoolName := hex.EncodeToString(nonce[:]) + "_" + filename
	spoolPath := filepath.Join(s.outboxDir, spoolName)

	if err := os.WriteFile(spoolPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to spool file: %w", err)
	}

	ref, _, err := s.minter.Mint(ctx, attach.Artifact{
		Actor:     req.Actor,
		Provider:  provider,
		Filepath:  spoolPath,
		Filename:  filename,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	})
	if err != nil {
		os.Remove(spoolPath)
		return nil, fmt.Errorf("failed to mint attachment ref: %w", err)
	}

	desc := sidecar{
		Actor:       req.Actor,
		Filename:    filename,
		MimeType:    mimeType,
		Size:        int64(len(data)),
		Caption:     req.Caption,
		Ref:         ref,
		DeliveredAt: time.Now().UTC().Format(time.RFC3339),
	}
	descData, err := json.Marshal(desc)
	if err != nil {
		os.Remove(spoolPath)
		return nil, fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(spoolPath+".json", descData, 0o600); err != nil {
		os.Remove(spoolPath)
		return nil, fmt.Errorf("failed to write sidecar: %w", err)
	}

	return &Delivery{Ref: ref, Filename: filename, MimeType: mimeType, Size: int64(len(data))}, nil
}

// resolve anchors the requested path inside the workspace root.
func (s *Spooler) resolve(path string) (string, error) {
	if path == "" {
		return "", fault.New(fault.InvalidArgument, "filepath is required")
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.workspaceRoot, full)
	}
	full = filepath.Clean(full)
	if full != s.workspaceRoot && !strings.HasPrefix(full, s.workspaceRoot+string(os.PathSeparator)) {
		return "", fault.New(fault.InvalidArgument, "path escapes the workspace")
	}
	return full, nil
}

// sniffMime prefers the extension table and falls back to content sniffing,
// which only knows a handful of types but never errors.
func sniffMime(filename string, data []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}

func isTextual(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch {
	case strings.Contains(mimeType, "json"),
		strings.Contains(mimeType, "xml"),
		strings.Contains(mimeType, "yaml"),
		strings.Contains(mimeType, "javascript"):
		return true
	}
	return false
}
