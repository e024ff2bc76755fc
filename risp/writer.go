package risp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Writer accumulates a single frame's worth of commands before it is handed
// off to a connection's send buffer.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Reset clears the writer for reuse, mirroring expbuf_clear on the teacher's
// scratch sendbuf.
func (w *Writer) Reset() {
	w.buf.Reset()
}

// Len returns the number of bytes accumulated so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Bytes returns the accumulated frame. The slice is only valid until the
// next call to Reset.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// AddCmd appends a no-argument command.
func (w *Writer) AddCmd(cmd Command) *Writer {
	w.buf.WriteByte(byte(cmd))
	return w
}

// AddCmdLargeInt appends a command carrying a big-endian uint16 value.
// value must fit in [0, 0xffff].
func (w *Writer) AddCmdLargeInt(cmd Command, value int) *Writer {
	if value < 0 || value > 0xffff {
		panic(fmt.Sprintf("risp: %s value %d out of range", cmd, value))
	}
	w.buf.WriteByte(byte(cmd))
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(value))
	w.buf.Write(b[:])
	return w
}

// AddCmdShortStr appends a command carrying a length-prefixed string of at
// most 255 bytes.
func (w *Writer) AddCmdShortStr(cmd Command, data []byte) *Writer {
	if len(data) > 0xff {
		panic(fmt.Sprintf("risp: %s short string too long (%d bytes)", cmd, len(data)))
	}
	w.buf.WriteByte(byte(cmd))
	w.buf.WriteByte(byte(len(data)))
	w.buf.Write(data)
	return w
}

// AddCmdLargeStr appends a command carrying a 4-byte length-prefixed byte
// string.
func (w *Writer) AddCmdLargeStr(cmd Command, data []byte) *Writer {
	w.buf.WriteByte(byte(cmd))
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(data)))
	w.buf.Write(b[:])
	w.buf.Write(data)
	return w
}
