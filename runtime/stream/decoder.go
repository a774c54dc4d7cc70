package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// defaultChunkSize bounds a single read from the underlying source.
const defaultChunkSize = 4096

// frameDelimiter separates frames on the wire.
var frameDelimiter = []byte("\n\n")

// Decoder splits an incremental byte source into frames. Bytes are buffered
// until a blank line completes a frame; an incomplete trailing frame stays in
// the buffer until more bytes arrive. Since frames only break on newline
// bytes, a UTF-8 sequence split across reads is always reassembled before it
// is decoded.
//
// A Decoder is not safe for concurrent use and cannot be restarted.
type Decoder struct {
	src   io.Reader
	buf   []byte
	chunk []byte
	done  bool
	err   error
}

// NewDecoder returns a Decoder reading from src.
func NewDecoder(src io.Reader) *Decoder {
	return &Decoder{
		src:   src,
		chunk: make([]byte, defaultChunkSize),
	}
}

// Next returns the next frame, without its delimiter. It returns io.EOF once
// the source is exhausted and every buffered frame has been returned. A
// non-blank remainder left when the source ends is returned as a last frame.
// Any other read error is returned once all complete frames before it have
// been delivered.
func (d *Decoder) Next() (string, error) {
	for {
		if frame, ok := d.cut(); ok {
			return frame, nil
		}
		if d.done {
			if len(bytes.TrimSpace(d.buf)) > 0 {
				frame := decodeText(d.buf)
				d.buf = nil
				return frame, nil
			}
			d.buf = nil
			return "", d.err
		}
		n, err := d.src.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
		}
		if err != nil {
			d.done = true
			d.err = err
			if errors.Is(err, io.EOF) {
				d.err = io.EOF
			}
		}
	}
}

// cut removes the first complete frame from the buffer. Empty frames produced
// by runs of blank lines are skipped.
func (d *Decoder) cut() (string, bool) {
	for {
		i := bytes.Index(d.buf, frameDelimiter)
		if i < 0 {
			return "", false
		}
		raw := d.buf[:i]
		d.buf = d.buf[i+len(frameDelimiter):]
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		return decodeText(raw), true
	}
}

// decodeText converts frame bytes to a string, replacing invalid UTF-8 with
// U+FFFD.
func decodeText(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
