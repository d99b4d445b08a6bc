package tap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/core"
)

// PASSTCipherConn is the encrypted variant of PASSTConn: the same
// 4-byte length-prefixed framing, but carried over a raw TCP
// connection wrapped in a Shadowsocks stream cipher instead of a
// websocket. This keeps the teacher's Shadowsocks-over-transport
// stack exercised by a PASST carrier that doesn't need HTTP upgrade
// semantics at all.
type PASSTCipherConn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

// NewPASSTTapFromWS dials addr and wraps the resulting TCP connection
// in the named Shadowsocks stream cipher, keyed by password.
func NewPASSTTapFromWS(addr, cipherName, password string) (*PASSTCipherConn, error) {
	ciph, err := core.PickCipher(cipherName, nil, password)
	if err != nil {
		return nil, fmt.Errorf("tap: pick cipher %q: %w", cipherName, err)
	}

	raw, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("tap: dial %s: %w", addr, err)
	}

	enc := ciph.StreamConn(raw)
	return &PASSTCipherConn{conn: enc, reader: bufio.NewReaderSize(enc, 64*1024)}, nil
}

func (c *PASSTCipherConn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := fillBuf(c.reader, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	frame := make([]byte, n)
	if _, err := fillBuf(c.reader, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *PASSTCipherConn) WriteFrame(frame []byte) error {
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	_, err := c.conn.Write(buf)
	return err
}

func (c *PASSTCipherConn) Close() error { return c.conn.Close() }

func (c *PASSTCipherConn) Run(sink FrameSink) error {
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			return err
		}
		if err := sink.HandleFrame(frame); err != nil {
			return err
		}
	}
}

func fillBuf(r *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
