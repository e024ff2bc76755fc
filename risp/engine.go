package risp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnknownCommand is returned when a tag byte does not correspond to any
// registered command.
var ErrUnknownCommand = errors.New("risp: unknown command")

// NoArgHandler handles a command with no value.
type NoArgHandler func(ctx interface{}) error

// IntHandler handles a command carrying a LargeInt value.
type IntHandler func(ctx interface{}, value int) error

// BytesHandler handles a command carrying a ShortStr or LargeStr value.
type BytesHandler func(ctx interface{}, data []byte) error

// Engine dispatches a byte stream of commands to registered handlers. One
// Engine is shared by every connection; the connection is passed through as
// the opaque ctx argument, exactly as the source library threads its conn
// pointer through the RISP processor.
type Engine struct {
	noArg map[Command]NoArgHandler
	ints  map[Command]IntHandler
	bytes map[Command]BytesHandler
}

// NewEngine returns an Engine with no handlers registered.
func NewEngine() *Engine {
	return &Engine{
		noArg: make(map[Command]NoArgHandler),
		ints:  make(map[Command]IntHandler),
		bytes: make(map[Command]BytesHandler),
	}
}

// OnNoArg registers a handler for a NoArg command. cmd must be registered in
// the Kind catalog as NoArg; otherwise OnNoArg panics.
func (e *Engine) OnNoArg(cmd Command, h NoArgHandler) {
	if k, ok := KindOf(cmd); !ok || k != NoArg {
		panic(fmt.Sprintf("risp: %s is not a NoArg command", cmd))
	}
	e.noArg[cmd] = h
}

// OnInt registers a handler for a LargeInt command.
func (e *Engine) OnInt(cmd Command, h IntHandler) {
	if k, ok := KindOf(cmd); !ok || k != LargeInt {
		panic(fmt.Sprintf("risp: %s is not a LargeInt command", cmd))
	}
	e.ints[cmd] = h
}

// OnBytes registers a handler for a ShortStr or LargeStr command.
func (e *Engine) OnBytes(cmd Command, h BytesHandler) {
	k, ok := KindOf(cmd)
	if !ok || (k != ShortStr && k != LargeStr) {
		panic(fmt.Sprintf("risp: %s is not a string command", cmd))
	}
	e.bytes[cmd] = h
}

// Process parses as many complete commands as data contains, dispatching
// each to its registered handler in order. It returns the number of bytes
// consumed; any unconsumed tail is an incomplete trailing command and must
// be retained by the caller and prepended to the next read.
//
// If a handler returns an error, Process stops immediately (the erroring
// command counts as consumed) and returns that error.
func (e *Engine) Process(ctx interface{}, data []byte) (int, error) {
	pos := 0
	for pos < len(data) {
		cmd := Command(data[pos])
		kind, ok := KindOf(cmd)
		if !ok {
			return pos, fmt.Errorf("%w: tag 0x%02x", ErrUnknownCommand, byte(cmd))
		}

		switch kind {
		case NoArg:
			h, ok := e.noArg[cmd]
			pos++
			if ok && h != nil {
				if err := h(ctx); err != nil {
					return pos, err
				}
			}

		case LargeInt:
			if pos+3 > len(data) {
				return pos, nil
			}
			value := int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
			h, ok := e.ints[cmd]
			pos += 3
			if ok && h != nil {
				if err := h(ctx, value); err != nil {
					return pos, err
				}
			}

		case ShortStr:
			if pos+2 > len(data) {
				return pos, nil
			}
			length := int(data[pos+1])
			total := 2 + length
			if pos+total > len(data) {
				return pos, nil
			}
			payload := data[pos+2 : pos+total]
			h, ok := e.bytes[cmd]
			pos += total
			if ok && h != nil {
				if err := h(ctx, payload); err != nil {
					return pos, err
				}
			}

		case LargeStr:
			if pos+5 > len(data) {
				return pos, nil
			}
			length := int(binary.BigEndian.Uint32(data[pos+1 : pos+5]))
			total := 5 + length
			if pos+total > len(data) {
				return pos, nil
			}
			payload := data[pos+5 : pos+total]
			h, ok := e.bytes[cmd]
			pos += total
			if ok && h != nil {
				if err := h(ctx, payload); err != nil {
					return pos, err
				}
			}
		}
	}

	return pos, nil
}
