package multipart

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/textproto"
)

const (
	readChunkSize = 4096
	maxHeaderSize = 16 << 10
)

// ErrTruncated reports a stream that ended before its closing boundary.
// Framing beyond that point cannot be trusted, so the caller must treat
// the underlying connection as broken.
var ErrTruncated = errors.New("multipart: stream truncated before closing boundary")

// PartError reports a single malformed part. The decoder resynchronizes at
// the next boundary, so the caller may skip the part and keep reading.
type PartError struct {
	Err error
}

// Error executes the error method.
func (e *PartError) Error() string {
	return "multipart: malformed part: " + e.Err.Error()
}

// Unwrap executes the unwrap method.
func (e *PartError) Unwrap() error {
	return e.Err
}

// Decoder incrementally parses a boundary-delimited multipart stream. It
// consumes whatever chunk sizes the reader delivers; a boundary marker split
// across two reads is reassembled from a bounded look-back buffer, never by
// re-parsing the whole message.
type Decoder struct {
	r     io.Reader
	delim []byte // "--" + boundary
	buf   []byte
	begun bool
	done  bool
	fatal error
}

// NewDecoder executes the newDecoder function.
func NewDecoder(r io.Reader, boundary string) *Decoder {
	return &Decoder{
		r:     r,
		delim: []byte("--" + boundary),
	}
}

// Next returns the next completed part. It returns io.EOF after the closing
// boundary, a *PartError for a malformed part that was skipped, and
// ErrTruncated when the stream ends mid-message.
func (d *Decoder) Next() (*Part, error) {
	if d.fatal != nil {
		return nil, d.fatal
	}
	if d.done {
		return nil, io.EOF
	}

	if !d.begun {
		if err := d.seekBoundary(true); err != nil {
			d.fatal = err
			return nil, err
		}
		d.begun = true
	}

	// Positioned immediately after a boundary token.
	terminal, err := d.consumeBoundaryLine()
	if err != nil {
		d.fatal = err
		return nil, err
	}
	if terminal {
		d.done = true
		return nil, io.EOF
	}

	header, perr := d.readHeaders()
	if perr != nil {
		var partErr *PartError
		if errors.As(perr, &partErr) {
			return nil, partErr
		}
		d.fatal = perr
		return nil, perr
	}

	body, err := d.readBody()
	if err != nil {
		d.fatal = err
		return nil, err
	}
	return &Part{Header: header, Body: body}, nil
}

func (d *Decoder) fill() error {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			return nil
		}
		if err != nil {
			return err
		}
		// A (0, nil) read means nothing happened; read again.
	}
}

// seekBoundary advances past the next boundary token. When discard is true
// the bytes before the token are thrown away with only a delimiter-sized
// look-back tail kept between reads.
func (d *Decoder) seekBoundary(discard bool) error {
	for {
		if idx := indexBoundary(d.buf, d.delim, 0); idx >= 0 {
			d.buf = d.buf[idx+len(d.delim):]
			return nil
		}
		if discard {
			keep := len(d.delim) + 2
			if len(d.buf) > keep {
				d.buf = d.buf[len(d.buf)-keep:]
			}
		}
		if err := d.fill(); err != nil {
			if err == io.EOF {
				return ErrTruncated
			}
			return err
		}
	}
}

// consumeBoundaryLine handles the bytes immediately after a boundary token:
// "--" closes the message, anything else is padding up to end of line.
func (d *Decoder) consumeBoundaryLine() (terminal bool, err error) {
	for len(d.buf) < 2 {
		if ferr := d.fill(); ferr != nil {
			if ferr == io.EOF {
				if bytes.HasPrefix(d.buf, []byte("--")) {
					return true, nil
				}
				return false, ErrTruncated
			}
			return false, ferr
		}
	}
	if bytes.HasPrefix(d.buf, []byte("--")) {
		d.buf = nil
		return true, nil
	}
	for {
		if idx := bytes.IndexByte(d.buf, '\n'); idx >= 0 {
			d.buf = d.buf[idx+1:]
			return false, nil
		}
		if err := d.fill(); err != nil {
			if err == io.EOF {
				return false, ErrTruncated
			}
			return false, err
		}
	}
}

// readHeaders parses the header block terminated by a blank line. A header
// block that cannot be parsed, exceeds the size cap, or runs into the next
// boundary yields a *PartError after resynchronizing past that part.
func (d *Decoder) readHeaders() (textproto.MIMEHeader, error) {
	for {
		blankEnd, bodyStart, blankOK := findBlankLine(d.buf)
		boundaryIdx := indexBoundary(d.buf, d.delim, 0)

		if blankOK && (boundaryIdx < 0 || blankEnd <= boundaryIdx) {
			raw := d.buf[:blankEnd]
			d.buf = d.buf[bodyStart:]
			header, err := parseHeaderBlock(raw)
			if err != nil {
				if skipErr := d.skipToBoundary(); skipErr != nil {
					return nil, skipErr
				}
				return nil, &PartError{Err: err}
			}
			return header, nil
		}

		if boundaryIdx >= 0 {
			// Next boundary arrived before the blank line: the header
			// block was never terminated.
			d.buf = d.buf[boundaryIdx+len(d.delim):]
			return nil, &PartError{Err: errors.New("header block not terminated")}
		}

		if len(d.buf) > maxHeaderSize {
			if skipErr := d.skipToBoundary(); skipErr != nil {
				return nil, skipErr
			}
			return nil, &PartError{Err: errors.New("header block too large")}
		}

		if err := d.fill(); err != nil {
			if err == io.EOF {
				return nil, ErrTruncated
			}
			return nil, err
		}
	}
}

// readBody collects bytes until the next boundary token and strips the line
// break that precedes it. The token itself is consumed, leaving the decoder
// at the boundary line for the next part.
func (d *Decoder) readBody() ([]byte, error) {
	searchFrom := 0
	for {
		if idx := indexBoundary(d.buf, d.delim, searchFrom); idx >= 0 {
			body := trimTrailingNewline(d.buf[:idx])
			d.buf = d.buf[idx+len(d.delim):]
			return body, nil
		}
		if n := len(d.buf) - len(d.delim); n > 0 {
			searchFrom = n
		}
		if err := d.fill(); err != nil {
			if err == io.EOF {
				return nil, ErrTruncated
			}
			return nil, err
		}
	}
}

// skipToBoundary discards a malformed part's remainder.
func (d *Decoder) skipToBoundary() error {
	return d.seekBoundary(false)
}

// indexBoundary finds the delimiter at a line start within p, scanning from
// the given offset. Offset zero also matches the very start of the stream.
func indexBoundary(p []byte, delim []byte, from int) int {
	if from < 0 || from > len(p) {
		from = 0
	}
	offset := from
	for {
		idx := bytes.Index(p[offset:], delim)
		if idx < 0 {
			return -1
		}
		abs := offset + idx
		if abs == 0 || p[abs-1] == '\n' {
			return abs
		}
		offset = abs + 1
	}
}

func findBlankLine(p []byte) (headerEnd int, bodyStart int, ok bool) {
	for i := 0; i < len(p); i++ {
		if p[i] != '\n' {
			continue
		}
		// Part with no headers: blank line directly after the boundary.
		if i == 0 || (i == 1 && p[0] == '\r') {
			return 0, i + 1, true
		}
		rest := p[i+1:]
		if len(rest) > 0 && rest[0] == '\n' {
			return i + 1, i + 2, true
		}
		if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
			return i + 1, i + 3, true
		}
	}
	return 0, 0, false
}

func parseHeaderBlock(raw []byte) (textproto.MIMEHeader, error) {
	trimmed := bytes.TrimLeft(raw, "\r\n")
	if len(trimmed) == 0 {
		return textproto.MIMEHeader{}, nil
	}
	if !bytes.HasSuffix(trimmed, []byte("\n")) {
		trimmed = append(trimmed, '\n')
	}
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(trimmed, '\n'))))
	header, err := reader.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	return header, nil
}

func trimTrailingNewline(p []byte) []byte {
	p = bytes.TrimSuffix(p, []byte("\n"))
	p = bytes.TrimSuffix(p, []byte("\r"))
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
