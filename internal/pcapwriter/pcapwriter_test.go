package pcapwriter

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestNewWritesGlobalHeader(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(&buf, 65535, LinkTypeEthernet); err != nil {
		t.Fatalf("New: %v", err)
	}
	if buf.Len() != 24 {
		t.Fatalf("global header length = %d, want 24", buf.Len())
	}
	if got := binary.LittleEndian.Uint32(buf.Bytes()[0:4]); got != magicNanos {
		t.Fatalf("magic = %#x, want %#x", got, magicNanos)
	}
	if got := binary.LittleEndian.Uint32(buf.Bytes()[20:24]); got != LinkTypeEthernet {
		t.Fatalf("link type = %d, want %d", got, LinkTypeEthernet)
	}
}

func TestWriteFrameAppendsRecordHeaderAndData(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(&buf, 65535, LinkTypeEthernet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frame := []byte{1, 2, 3, 4}
	if err := w.WriteFrame(time.Unix(1000, 500), frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	body := buf.Bytes()[24:]
	if len(body) != 16+len(frame) {
		t.Fatalf("record length = %d, want %d", len(body), 16+len(frame))
	}
	if got := binary.LittleEndian.Uint32(body[0:4]); got != 1000 {
		t.Fatalf("ts_sec = %d, want 1000", got)
	}
	if got := binary.LittleEndian.Uint32(body[8:12]); got != uint32(len(frame)) {
		t.Fatalf("incl_len = %d, want %d", got, len(frame))
	}
	if !bytes.Equal(body[16:], frame) {
		t.Fatalf("record data = %v, want %v", body[16:], frame)
	}
}
