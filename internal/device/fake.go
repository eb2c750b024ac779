package device

import (
	"context"
	"sync"
)

// FakeLink records sent commands and lets tests inject inbound lines.
type FakeLink struct {
	mu sync.Mutex

	// Sent contains all commands passed to Send, in order.
	Sent []string

	// SendError, if set, will be returned by Send.
	SendError error

	// ConnectError, if set, will be returned by Connect.
	ConnectError error

	// Connected controls the return value of IsActive.
	Connected bool

	// Closed tracks if Close was called.
	Closed bool

	lines chan string
}

// NewFakeLink creates a FakeLink for testing.
func NewFakeLink() *FakeLink {
	return &FakeLink{lines: make(chan string, 64)}
}

// Connect marks the fake as connected.
func (f *FakeLink) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectError != nil {
		return f.ConnectError
	}
	f.Connected = true
	return nil
}

// Send records the command.
func (f *FakeLink) Send(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendError != nil {
		return f.SendError
	}
	if !f.Connected {
		return ErrNotConnected
	}
	f.Sent = append(f.Sent, command)
	return nil
}

// Lines returns the injectable inbound stream.
func (f *FakeLink) Lines() <-chan string {
	return f.lines
}

// Inject delivers a raw line as if received from the device.
func (f *FakeLink) Inject(line string) {
	f.lines <- line
}

// IsActive reports the fake connection state.
func (f *FakeLink) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Close marks the fake as closed and ends the line stream.
func (f *FakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return nil
	}
	f.Closed = true
	f.Connected = false
	close(f.lines)
	return nil
}

// SentCommands returns a copy of the recorded commands.
func (f *FakeLink) SentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Sent))
	copy(out, f.Sent)
	return out
}

// Reset clears recorded commands and errors.
func (f *FakeLink) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = nil
	f.SendError = nil
	f.ConnectError = nil
}
