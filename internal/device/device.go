// Package device provides the dispenser transport with abstraction for
// testing. The transport is a newline-delimited text stream: outbound
// commands are fire-and-forget, inbound lines are surfaced for decoding.
package device

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Send when no link is established.
	ErrNotConnected = errors.New("device not connected")
)

// Link is the dispenser transport.
type Link interface {
	// Connect establishes the transport. Safe to call again after a
	// drop; an existing connection is torn down first.
	Connect(ctx context.Context) error

	// Send writes one command line to the device. Fire-and-forget at
	// the transport level; there is no response correlation.
	Send(command string) error

	// Lines returns the inbound stream of raw device lines, in transport
	// FIFO order. The channel stays open across reconnects and is closed
	// by Close.
	Lines() <-chan string

	// IsActive reports the locally cached connection state. Cheap; a
	// true result does not guarantee the next Send succeeds.
	IsActive() bool

	// Close tears down the link and closes the line stream.
	Close() error
}
