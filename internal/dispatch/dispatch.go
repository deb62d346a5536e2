// Package dispatch routes decoded frames to the handler registered for their
// type.
//
// Routes are fixed when the Dispatcher is built. Each route owns both the
// decoding of its payload and the handling of the decoded value, so the
// dispatcher itself never looks inside a payload.
package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/wire"
)

var (
	ErrDuplicateType = errors.New("dispatch: duplicate message type")
	ErrInvalidRoute  = errors.New("dispatch: invalid route")
	ErrHandlerPanic  = errors.New("dispatch: handler panicked")
)

// PayloadDecodeError reports a payload that does not fit its route's shape.
type PayloadDecodeError struct {
	Type string
	Err  error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("dispatch: decode %q payload: %v", e.Type, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error { return e.Err }

// Decoder turns a raw payload into a route's message type.
type Decoder[T any] func(raw json.RawMessage) (T, error)

// Route binds one message type to its decoder and handler.
type Route struct {
	typ  string
	call func(c registry.Conn, raw json.RawMessage) error
}

func (r Route) Type() string { return r.typ }

// Handle builds a Route whose handler only ever sees successfully decoded
// payloads.
func Handle[T any](typ string, decode Decoder[T], handle func(c registry.Conn, msg T)) Route {
	if decode == nil || handle == nil {
		return Route{typ: typ}
	}
	return Route{
		typ: typ,
		call: func(c registry.Conn, raw json.RawMessage) error {
			msg, err := decode(raw)
			if err != nil {
				return &PayloadDecodeError{Type: typ, Err: err}
			}
			handle(c, msg)
			return nil
		},
	}
}

// JSON decodes exactly one JSON value into T. Unknown object fields are
// allowed; trailing data is not.
func JSON[T any]() Decoder[T] {
	return func(raw json.RawMessage) (T, error) {
		var v T
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&v); err != nil {
			return v, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return v, errors.New("trailing data after payload")
		}
		return v, nil
	}
}

// Ignore accepts any payload without looking at it.
func Ignore(json.RawMessage) (struct{}, error) {
	return struct{}{}, nil
}

type Dispatcher struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	routes  map[string]Route
}

func New(log *slog.Logger, m *metrics.Metrics, routes ...Route) (*Dispatcher, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Dispatcher{
		log:     log,
		metrics: m,
		routes:  make(map[string]Route, len(routes)),
	}
	for _, r := range routes {
		if r.typ == "" || r.call == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRoute, r.typ)
		}
		if _, dup := d.routes[r.typ]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateType, r.typ)
		}
		d.routes[r.typ] = r
	}
	return d, nil
}

// Types returns the registered message types in sorted order.
func (d *Dispatcher) Types() []string {
	out := make([]string, 0, len(d.routes))
	for typ := range d.routes {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Dispatch decodes frame and invokes at most one handler. Frames of an
// unknown type are dropped and reported as success. A returned error never
// requires closing the connection.
func (d *Dispatcher) Dispatch(c registry.Conn, frame []byte) (err error) {
	env, err := wire.Decode(frame)
	if err != nil {
		d.metrics.Inc(metrics.FrameMalformed)
		d.log.Warn("dropping malformed frame", "conn_id", c.ID(), "bytes", len(frame), "err", err)
		return err
	}

	r, ok := d.routes[env.Type]
	if !ok {
		d.metrics.Inc(metrics.FrameUnknownType)
		d.log.Debug("no handler for message type", "conn_id", c.ID(), "type", env.Type)
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			d.metrics.Inc(metrics.HandlerPanic)
			d.log.Error("message handler panicked", "conn_id", c.ID(), "type", env.Type, "panic", rec)
			err = fmt.Errorf("%w: %q: %v", ErrHandlerPanic, env.Type, rec)
		}
	}()

	if err := r.call(c, env.Payload); err != nil {
		d.metrics.Inc(metrics.FramePayloadInvalid)
		d.log.Warn("dropping message with invalid payload", "conn_id", c.ID(), "type", env.Type, "err", err)
		return err
	}
	return nil
}
