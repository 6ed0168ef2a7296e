// Package transport owns the socket lifecycle for one network link:
// dialing (plain or TLS), splitting the inbound byte stream into
// lines, and serializing outbound writes.
package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrClosed reports a write against a closed connection.
var ErrClosed = errors.New("transport closed")

// maxInboundLine bounds a single inbound line. Daemons cap their own
// output at 512 bytes but we stay tolerant of longer burst lines.
const maxInboundLine = 8192

// Conn is one established line-oriented connection. Reads arrive on
// Lines; writes go through WriteLine and are serialized internally.
type Conn struct {
	id    string
	conn  net.Conn
	lines chan string
	done  chan struct{} // closed by Close, releases a blocked readLoop

	writeMu sync.Mutex
	bw      *bufio.Writer

	closeOnce sync.Once
	closed    atomic.Bool
	lastRead  atomic.Int64

	logger zerolog.Logger
}

// Dial connects to addr, wrapping the socket in TLS when tlsConf is
// non-nil, and starts the read loop.
func Dial(addr string, tlsConf *tls.Config, timeout time.Duration, logger zerolog.Logger) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tlsConf != nil {
		tc := tls.Client(nc, tlsConf)
		if err := tc.Handshake(); err != nil {
			nc.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		nc = tc
	}
	return New(nc, logger), nil
}

// New wraps an established connection and starts its read loop.
// Tests hand in one end of a net.Pipe here.
func New(nc net.Conn, logger zerolog.Logger) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		conn:   nc,
		lines:  make(chan string, 64),
		done:   make(chan struct{}),
		bw:     bufio.NewWriter(nc),
		logger: logger,
	}
	c.lastRead.Store(time.Now().UnixNano())
	go c.readLoop()
	return c
}

// ID is a unique identifier for this connection, used as a log field.
func (c *Conn) ID() string { return c.id }

// Lines delivers inbound lines with terminators stripped. The channel
// is closed when the peer disconnects or the connection is closed.
func (c *Conn) Lines() <-chan string { return c.lines }

// LastRead reports when the last inbound traffic arrived.
func (c *Conn) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// WriteLine sends one line, appending the terminator.
func (c *Conn) WriteLine(line string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.bw.WriteString(line); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("flush line: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.lines)
	defer c.Close()

	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 512), maxInboundLine)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		c.lastRead.Store(time.Now().UnixNano())
		// The consumer may have stopped receiving before Close hits the
		// socket; never block here past the connection's lifetime.
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
	if err := sc.Err(); err != nil && !c.closed.Load() {
		c.logger.Debug().Err(err).Str("conn_id", c.id).Msg("read loop ended")
	}
}
