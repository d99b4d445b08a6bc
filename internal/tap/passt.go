// Package tap implements the two guest-facing carriers: PASST's
// length-prefixed byte stream over a websocket, and PASTA's raw
// Ethernet frames over a tuntap device. Grounded on
// internal/ws.go/ws_api.go (trimmed to the classic HTTP/1.1 upgrade
// dial, dropping the h2/h3/RFC 8441 negotiation ladder a
// single-carrier connector has no use for) and original_source/tap.c
// for the PASST frame-length-prefix and PASTA raw-frame semantics.
package tap

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// FrameSink is what a carrier delivers guest-originated Ethernet
// frames to.
type FrameSink interface {
	// HandleFrame is invoked for every frame read from the guest.
	HandleFrame(frame []byte) error
}

// PASSTConn carries whole Ethernet frames prefixed with a 4-byte
// big-endian length, multiplexed over a single websocket byte stream
// (spec.md 4.4's "PASST" framing).
type PASSTConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// DialPASST opens the classic HTTP/1.1 websocket upgrade to rawurl.
// Unlike the carrier this is trimmed from, there is no h2/h3 transport
// negotiation: PASST always speaks one classic websocket connection.
func DialPASST(ctx context.Context, rawurl string) (*PASSTConn, error) {
	if _, err := url.Parse(rawurl); err != nil {
		return nil, err
	}
	c, _, err := websocket.Dial(ctx, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("tap: websocket dial: %w", err)
	}
	c.SetReadLimit(1 << 20)
	return &PASSTConn{ws: c}, nil
}

// ReadFrame reads one length-prefixed Ethernet frame.
func (c *PASSTConn) ReadFrame(ctx context.Context) ([]byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("tap: unexpected websocket message type %v", typ)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("tap: short frame header (%d bytes)", len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	if int(n) != len(data)-4 {
		return nil, fmt.Errorf("tap: frame length %d does not match payload %d", n, len(data)-4)
	}
	return data[4:], nil
}

// WriteFrame writes one length-prefixed Ethernet frame, guarding
// against concurrent writers.
func (c *PASSTConn) WriteFrame(ctx context.Context, frame []byte) error {
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageBinary, buf)
}

func (c *PASSTConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "closing")
}

// Run pumps frames from the websocket into sink until the context is
// canceled or the connection errors.
func (c *PASSTConn) Run(ctx context.Context, sink FrameSink) error {
	for {
		frame, err := c.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := sink.HandleFrame(frame); err != nil {
			return err
		}
	}
}

// dialTimeout bounds the initial websocket handshake the way the
// carrier this is adapted from bounded its dial.
const dialTimeout = 10 * time.Second

// DialPASSTTimeout is DialPASST with the connector's default dial
// timeout applied, for callers that don't already carry a deadline.
func DialPASSTTimeout(rawurl string) (*PASSTConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	return DialPASST(ctx, rawurl)
}

var _ io.Closer = (*PASSTConn)(nil)
