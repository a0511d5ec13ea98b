// Package router classifies inbound frames by their discriminator and hands
// each one to exactly one registered handler. It is also the only component
// that writes to the signal channel, so all outbound serialization funnels
// through one place.
package router

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/core"
	"github.com/watchroom/watchroom/internal/wire"
)

// Handler consumes one decoded frame. Handlers run on the read goroutine
// and must not block; anything slow schedules its own continuation.
type Handler func(wire.Message)

type Router struct {
	conn core.SignalConn

	mu       sync.RWMutex
	handlers map[wire.Type]Handler
}

func New(conn core.SignalConn) *Router {
	return &Router{
		conn:     conn,
		handlers: make(map[wire.Type]Handler),
	}
}

func (r *Router) Register(t wire.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Dispatch decodes a raw frame and routes it. Malformed frames and
// unregistered or unknown discriminators are dropped with a diagnostic,
// never propagated.
func (r *Router) Dispatch(f core.Frame) {
	msg, err := wire.Decode(f)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			log.Debug().Err(err).Str("module", "router").Msg("dropping unknown frame")
		} else {
			log.Warn().Err(err).Str("module", "router").Msg("dropping malformed frame")
		}
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[msg.Kind()]
	r.mu.RUnlock()
	if !ok {
		log.Debug().Str("module", "router").Str("type", string(msg.Kind())).Msg("no handler registered")
		return
	}
	h(msg)
}

// Send serializes a message onto the channel. Best-effort: when the
// connection is not open the frame is dropped and the error returned.
func (r *Router) Send(m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "router").Msg("encode outbound")
		return err
	}
	return r.conn.TrySend(b)
}
