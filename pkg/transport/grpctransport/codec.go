package grpctransport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nodelink/linkmesh/pkg/lerrors"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// wireFrame is the JSON shape carried inside each wrapperspb.BytesValue
// frame. Kept separate from wire.Message so that package wire carries no
// serialization tags of its own.
type wireFrame struct {
	ID       *int64                `json:"id,omitempty"`
	Type     wire.MessageType      `json:"type"`
	Metadata wire.Metadata         `json:"metadata,omitempty"`
	Assigns  wire.Metadata         `json:"assigns,omitempty"`
	Error    *wire.SerializedError `json:"error,omitempty"`
	Updates  wire.Metadata         `json:"updates,omitempty"`
	Payload  any                   `json:"payload,omitempty"`
}

// encodeMessage renders msg as a JSON-encoded wrapperspb.BytesValue frame.
// JSON rather than gob keeps the envelope consistent with the canonical
// JSON encoding internal/descriptor already uses for descriptor keying,
// and avoids gob's requirement that concrete types behind the opaque
// Payload field be registered up front.
func encodeMessage(msg *wire.Message) (*wrapperspb.BytesValue, error) {
	f := wireFrame{
		ID:       msg.ID,
		Type:     msg.Type,
		Metadata: msg.Metadata,
		Assigns:  msg.Assigns,
		Error:    msg.Error,
		Updates:  msg.Updates,
		Payload:  msg.Payload,
	}
	b, err := json.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("grpctransport: encode message: %w", err)
	}
	return wrapperspb.Bytes(b), nil
}

// decodeMessage parses a received frame back into a wire.Message. A
// malformed frame is surfaced as a protocol error.
func decodeMessage(frame *wrapperspb.BytesValue) (*wire.Message, error) {
	var f wireFrame
	if err := json.Unmarshal(frame.GetValue(), &f); err != nil {
		return nil, lerrors.New(lerrors.CodeProtocolError, "malformed grpctransport frame", err)
	}
	return &wire.Message{
		ID:       f.ID,
		Type:     f.Type,
		Metadata: f.Metadata,
		Assigns:  f.Assigns,
		Error:    f.Error,
		Updates:  f.Updates,
		Payload:  f.Payload,
	}, nil
}
