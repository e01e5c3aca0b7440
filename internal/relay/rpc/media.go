package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/redact"
	"github.com/airlock-project/airlock/internal/relay/attach"
	"github.com/airlock-project/airlock/internal/relay/egress"
)

// Media responses are buffered before becoming artifacts; anything past
// this cap is refused rather than truncated.
const maxMediaResponse = 25 << 20

// MaxMediaTextChars caps tts text and image prompts.
const MaxMediaTextChars = 4000

// mediaResult is the wire response for tts and image generation: the bytes
// live in the artifact store, the caller gets a ref.
type mediaResult struct {
	AttachmentRef string    `json:"attachmentRef"`
	MimeType      string    `json:"mimeType"`
	SizeBytes     int64     `json:"sizeBytes"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type ttsRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
	UserID string `json:"userId,omitempty"`
	ChatID string `json:"chatId,omitempty"`
}

func (s *Server) handleTTS(ctx context.Context, c *call) (any, error) {
	var req ttsRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
	}
	if err := s.checkMediaText(req.Text); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"text":   req.Text,
		"voice":  req.Voice,
		"format": req.Format,
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "failed to build provider request")
	}
	return s.mediaCall(ctx, c, "tts", payload)
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	UserID string `json:"userId,omitempty"`
	ChatID string `json:"chatId,omitempty"`
}

func (s *Server) handleImageGenerate(ctx context.Context, c *call) (any, error) {
	var req imageRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
	}
	if err := s.checkMediaText(req.Prompt); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"prompt": req.Prompt,
		"size":   req.Size,
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "failed to build provider request")
	}
	return s.mediaCall(ctx, c, "image-gen", payload)
}

// checkMediaText applies the inbound stance to text leaving for a provider:
// size cap plus the infrastructure-secret guard.
func (s *Server) checkMediaText(text string) error {
	if text == "" {
		return fault.New(fault.InvalidArgument, "text is required")
	}
	if len([]rune(text)) > MaxMediaTextChars {
		return fault.New(fault.OversizeEntry, "text exceeds %d chars", MaxMediaTextChars)
	}
	return s.promptGuard.Check(text)
}

// mediaCall runs one feature-bound provider call and stores the response
// bytes as an artifact.
func (s *Server) mediaCall(ctx context.Context, c *call, feature string, payload []byte) (any, error) {
	providerName, err := s.providers.FeatureProvider(feature)
	if err != nil {
		return nil, err
	}

	res, err := s.providers.CallFeature(ctx, feature, payload, c.actor)
	if err != nil {
		s.metrics.RecordProviderCall(providerName, "error")
		return nil, err
	}
	defer res.Release()

	data, mimeType, err := readProviderBody(res)
	if err != nil {
		s.metrics.RecordProviderCall(providerName, "error")
		return nil, err
	}
	s.metrics.RecordProviderCall(providerName, "ok")

	rel, err := s.artifacts.Put(data)
	if err != nil {
		return nil, err
	}
	ref, expiresAt, err := s.attach.Mint(ctx, attach.Artifact{
		Actor:     c.actor,
		Provider:  providerName,
		Filepath:  rel,
		Filename:  feature + extForMime(mimeType),
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	})
	if err != nil {
		return nil, err
	}
	return mediaResult{
		AttachmentRef: ref,
		MimeType:      mimeType,
		SizeBytes:     int64(len(data)),
		ExpiresAt:     expiresAt,
	}, nil
}

type transcribeRequest struct {
	AttachmentRef string `json:"attachmentRef,omitempty"`
	Filepath      string `json:"filepath,omitempty"`
	UserID        string `json:"userId,omitempty"`
}

func (s *Server) handleTranscribe(ctx context.Context, c *call) (any, error) {
	var req transcribeRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
	}

	var audio []byte
	var mimeType string
	switch {
	case req.AttachmentRef != "" && req.Filepath != "":
		return nil, fault.New(fault.InvalidArgument, "attachmentRef and filepath are mutually exclusive")
	case req.AttachmentRef != "":
		rec, err := s.attach.Verify(ctx, req.AttachmentRef, c.actor)
		if err != nil {
			return nil, err
		}
		audio, err = s.artifacts.Get(rec.Filepath)
		if err != nil {
			return nil, err
		}
		mimeType = rec.MimeType
	case req.Filepath != "":
		var err error
		audio, mimeType, err = s.outbox.ReadWorkspace(req.Filepath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fault.New(fault.InvalidArgument, "attachmentRef or filepath is required")
	}

	payload, err := json.Marshal(map[string]any{
		"audio":    base64.StdEncoding.EncodeToString(audio),
		"mimeType": mimeType,
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "failed to build provider request")
	}

	providerName, err := s.providers.FeatureProvider("transcription")
	if err != nil {
		return nil, err
	}
	res, err := s.providers.CallFeature(ctx, "transcription", payload, c.actor)
	if err != nil {
		s.metrics.RecordProviderCall(providerName, "error")
		return nil, err
	}
	defer res.Release()

	data, respMime, err := readProviderBody(res)
	if err != nil {
		s.metrics.RecordProviderCall(providerName, "error")
		return nil, err
	}
	s.metrics.RecordProviderCall(providerName, "ok")

	text := transcriptText(data, respMime)

	// The transcript is external content entering the system: critical
	// findings block it, high findings travel redacted.
	d := s.outFilter.Inspect(text, redact.Policy{})
	if d.Blocked {
		s.metrics.RecordRedaction(firstPattern(d.Matches), string(redact.SeverityCritical))
		return nil, fault.New(fault.InfraSecretDetected, "transcript contains secret material")
	}
	if len(d.Matches) > 0 {
		s.metrics.RecordRedaction(d.Matches[0].PatternID, string(redact.SeverityHigh))
		text = d.Sanitized
	}

	return map[string]any{"text": text}, nil
}

// readProviderBody buffers a provider response, refusing oversize bodies
// and non-2xx statuses.
func readProviderBody(res *egress.Result) ([]byte, string, error) {
	status := res.Response.StatusCode
	if status < 200 || status > 299 {
		return nil, "", fault.New(fault.TransientNetwork, "provider returned status %d", status)
	}
	return readProxyBody(res.Response)
}

// transcriptText extracts the text from a transcription response: the
// conventional {"text": ...} JSON shape, or the raw body for plain text.
func transcriptText(data []byte, mimeType string) string {
	if strings.Contains(mimeType, "json") {
		var parsed struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Text != "" {
			return parsed.Text
		}
	}
	return string(data)
}

// extForMime names artifact files for operator inspection; the type is
// advisory, the stored bytes are what count.
func extForMime(mimeType string) string {
	switch mimeType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "application/json":
		return ".json"
	default:
		return ".bin"
	}
}
