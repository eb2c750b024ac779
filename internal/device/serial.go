package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// SerialLink talks to the dispenser over a byte stream: either a serial
// device node (RFCOMM-bound Bluetooth, USB serial) or a TCP-bridged port.
type SerialLink struct {
	addr           string
	connectTimeout time.Duration

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	active bool
	closed bool

	lines chan string
}

// NewSerialLink creates a link to the given address. An address containing
// a path separator is opened as a device file; anything else is dialed as
// host:port.
func NewSerialLink(addr string, connectTimeout time.Duration) *SerialLink {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &SerialLink{
		addr:           addr,
		connectTimeout: connectTimeout,
		lines:          make(chan string, 64),
	}
}

// Connect establishes the transport and starts the line reader. A previous
// connection, if any, is closed first.
func (l *SerialLink) Connect(ctx context.Context) error {
	conn, err := l.open(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", l.addr, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	if l.conn != nil {
		l.conn.Close()
	}
	l.conn = conn
	l.active = true
	l.mu.Unlock()

	go l.readLoop(conn)
	return nil
}

func (l *SerialLink) open(ctx context.Context) (io.ReadWriteCloser, error) {
	if strings.ContainsRune(l.addr, os.PathSeparator) {
		return os.OpenFile(l.addr, os.O_RDWR, 0)
	}
	dialer := net.Dialer{Timeout: l.connectTimeout}
	return dialer.DialContext(ctx, "tcp", l.addr)
}

// readLoop delivers inbound lines until the connection drops. It exits
// quietly on the error produced by Close or a reconnect tearing down conn.
func (l *SerialLink) readLoop(conn io.ReadWriteCloser) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// The closed check and the send must happen under one lock hold:
		// Close closes the lines channel, and a send racing it panics.
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		select {
		case l.lines <- line:
		default:
			log.Printf("device: inbound line dropped, consumer too slow: %q", line)
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	if l.conn == conn {
		l.active = false
	}
	stale := l.conn != conn
	l.mu.Unlock()

	if !stale {
		if err := scanner.Err(); err != nil {
			log.Printf("device: read loop ended: %v", err)
		} else {
			log.Printf("device: connection closed by peer")
		}
	}
}

// Send writes one command line to the device. On write failure the link is
// marked inactive so callers fall back to reconnect.
func (l *SerialLink) Send(command string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil || !l.active {
		return ErrNotConnected
	}
	if _, err := io.WriteString(l.conn, command+"\n"); err != nil {
		l.active = false
		l.conn.Close()
		return fmt.Errorf("send %q: %w", command, err)
	}
	return nil
}

// Lines returns the inbound line stream.
func (l *SerialLink) Lines() <-chan string {
	return l.lines
}

// IsActive reports the cached connection state.
func (l *SerialLink) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Close tears down the link and closes the line stream.
func (l *SerialLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.active = false
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	close(l.lines)
	return err
}
