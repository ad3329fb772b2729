package pubsub

import (
	"context"
	"errors"

	"github.com/tcriess/lightspeed-live/types"
)

const receiveBufferSize = 1024

var ErrClosed = errors.New("pubsub layer closed")

// Layer carries events between all server processes. Every process receives every event and
// delivers it to its locally subscribed connections. Events published from one process are
// received by all processes in publish order.
type Layer interface {
	Publish(ctx context.Context, event *types.Event) error
	Receive() <-chan *types.Event
	Close() error
}

// Local is the in-process layer for single-node deployments and tests.
type Local struct {
	events chan *types.Event
	done   chan struct{}
}

func NewLocal() *Local {
	return &Local{
		events: make(chan *types.Event, receiveBufferSize),
		done:   make(chan struct{}),
	}
}

func (l *Local) Publish(ctx context.Context, event *types.Event) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.events <- event:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Receive() <-chan *types.Event {
	return l.events
}

func (l *Local) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}
