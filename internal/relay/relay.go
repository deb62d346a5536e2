// Package relay forwards targeted negotiation messages between peers.
//
// The relay never interprets the negotiation body. It replaces the target id
// in the payload with the sender's id and hands the frame to the target.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/dispatch"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/wire"
)

var (
	ErrMissingTarget = errors.New("relay: missing target id")
	ErrNotObject     = errors.New("relay: payload is not a JSON object")
)

// Kind describes one relayed message type and the name of its body field.
type Kind struct {
	Type  string
	Field string
}

var (
	Offer  = Kind{Type: "offer", Field: "description"}
	Accept = Kind{Type: "accept", Field: "description"}
	ICE    = Kind{Type: "ice", Field: "candidate"}
	Reject = Kind{Type: "reject", Field: "reason"}
)

// Kinds lists every relayed message type.
var Kinds = []Kind{Offer, Accept, ICE, Reject}

// Message is a decoded relay payload. On the way in, ID names the target; on
// the way out, it names the sender.
type Message struct {
	ID string
	// Body is nil when the field was absent.
	Body json.RawMessage
}

// Decoder returns the payload decoder for k.
func (k Kind) Decoder() dispatch.Decoder[Message] {
	return func(raw json.RawMessage) (Message, error) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		if obj == nil {
			return Message{}, ErrNotObject
		}
		idRaw, ok := obj["id"]
		if !ok {
			return Message{}, ErrMissingTarget
		}
		var id string
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return Message{}, fmt.Errorf("%w: id is not a string", ErrMissingTarget)
		}
		if id == "" {
			return Message{}, ErrMissingTarget
		}
		return Message{ID: id, Body: obj[k.Field]}, nil
	}
}

// Encode renders the outbound frame for a message from sender. body is
// written byte for byte.
func (k Kind) Encode(sender string, body json.RawMessage) ([]byte, error) {
	id, err := jsonString(sender)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"id":`)
	buf.Write(id)
	if body != nil {
		field, err := jsonString(k.Field)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(field)
		buf.WriteByte(':')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return wire.EncodeRaw(k.Type, buf.Bytes())
}

func jsonString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

type Relay struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	reg     *registry.Registry
}

func New(reg *registry.Registry, log *slog.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{log: log, metrics: m, reg: reg}
}

// Routes returns one dispatch route per relayed message type.
func (r *Relay) Routes() []dispatch.Route {
	routes := make([]dispatch.Route, 0, len(Kinds))
	for _, k := range Kinds {
		k := k
		routes = append(routes, dispatch.Handle(k.Type, k.Decoder(), func(c registry.Conn, msg Message) {
			r.Forward(k, c, msg)
		}))
	}
	return routes
}

// Forward delivers msg from sender to the connection msg.ID names. A target
// that is not connected is not an error: the message is dropped.
func (r *Relay) Forward(k Kind, sender registry.Conn, msg Message) {
	target, ok := r.reg.Lookup(msg.ID)
	if !ok {
		r.metrics.Inc(metrics.RelayTargetMissing)
		r.log.Debug("relay target not connected",
			"type", k.Type, "conn_id", sender.ID(), "target_id", msg.ID)
		return
	}

	frame, err := k.Encode(sender.ID(), msg.Body)
	if err != nil {
		r.log.Error("encode relay frame", "type", k.Type, "conn_id", sender.ID(), "err", err)
		return
	}
	if err := target.Send(frame); err != nil {
		r.metrics.Inc(metrics.RelaySendFailed)
		r.log.Warn("relay send failed",
			"type", k.Type, "conn_id", sender.ID(), "target_id", msg.ID, "err", err)
		return
	}
	r.metrics.Inc(metrics.RelayForwarded)
}
