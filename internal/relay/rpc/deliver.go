package rpc

import (
	"context"
	"encoding/json"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/audit"
	"github.com/airlock-project/airlock/internal/relay/outbox"
)

type deliverRequest struct {
	Filepath string `json:"filepath"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"caption,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

func (s *Server) handleDeliverLocalFile(ctx context.Context, c *call) (any, error) {
	var req deliverRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		return nil, fault.New(fault.InvalidArgument, "request body is not valid JSON")
	}

	d, err := s.outbox.Deliver(ctx, outbox.Request{
		Actor:    c.actor,
		Filepath: req.Filepath,
		Filename: req.Filename,
		MimeType: req.MimeType,
		Caption:  req.Caption,
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Kind:   audit.KindFileDelivered,
		Actor:  c.actor,
		Target: d.Filename,
		Detail: d.MimeType,
	})
	return d, nil
}
