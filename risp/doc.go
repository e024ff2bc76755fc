// Package risp implements the tag-length-value binary framing used on the
// wire between this client and a queue controller.
//
// A frame is a sequence of commands. Each command starts with a one-byte
// tag. The tag determines the shape of the value that follows it, if any:
//
//   - NoArg    - the tag alone, no value.
//   - LargeInt - a big-endian uint16 (0..65535).
//   - ShortStr - a one-byte length prefix (0..255) followed by that many bytes.
//   - LargeStr - a big-endian uint32 length prefix followed by that many bytes.
//
// Callers register one handler per command with an Engine, then feed it
// bytes as they arrive off the wire. The Engine dispatches each recognised
// command to its handler and returns the number of bytes it was able to
// consume; any unconsumed tail (a command whose value hasn't fully arrived
// yet) is the caller's responsibility to retain and prepend to the next
// read.
package risp
