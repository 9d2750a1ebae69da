package multipart

import (
	"fmt"
	"io"
	"net/textproto"
	"sort"

	"github.com/google/uuid"
)

// audioCopyChunk keeps live-capture uploads flowing in small writes so the
// transport can interleave them with concurrent downchannel reads.
const audioCopyChunk = 320

// Writer streams one boundary-delimited multipart message to an io.Writer.
// Part bodies may be readers of unknown length, so nothing is materialized
// up front; bytes flow out as they are produced.
type Writer struct {
	w        io.Writer
	boundary string
	closed   bool
}

// NewWriter executes the newWriter function.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:        w,
		boundary: uuid.NewString(),
	}
}

// Boundary returns the message boundary token.
func (w *Writer) Boundary() string {
	return w.boundary
}

// ContentType returns the Content-Type value announcing the boundary.
func (w *Writer) ContentType() string {
	return "multipart/form-data; boundary=" + w.boundary
}

// WritePart writes a complete part with the given headers and body.
func (w *Writer) WritePart(header textproto.MIMEHeader, body []byte) error {
	if err := w.writePartHeader(header); err != nil {
		return err
	}
	if _, err := w.w.Write(body); err != nil {
		return err
	}
	_, err := io.WriteString(w.w, "\r\n")
	return err
}

// WriteStream writes a part whose body is drained from r until end of
// stream. The copy uses small chunks so a live audio source is transmitted
// as it is captured.
func (w *Writer) WriteStream(header textproto.MIMEHeader, r io.Reader) error {
	if err := w.writePartHeader(header); err != nil {
		return err
	}
	// Both sides are wrapped so CopyBuffer cannot bypass the small buffer
	// through WriterTo/ReaderFrom fast paths.
	buf := make([]byte, audioCopyChunk)
	if _, err := io.CopyBuffer(struct{ io.Writer }{w.w}, struct{ io.Reader }{r}, buf); err != nil {
		return err
	}
	_, err := io.WriteString(w.w, "\r\n")
	return err
}

// Close writes the closing boundary. The writer accepts no parts afterwards.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, err := fmt.Fprintf(w.w, "--%s--\r\n", w.boundary)
	return err
}

func (w *Writer) writePartHeader(header textproto.MIMEHeader) error {
	if w.closed {
		return fmt.Errorf("multipart: write after close")
	}
	if _, err := fmt.Fprintf(w.w, "--%s\r\n", w.boundary); err != nil {
		return err
	}
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range header[key] {
			if _, err := fmt.Fprintf(w.w, "%s: %s\r\n", key, value); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w.w, "\r\n")
	return err
}

// JSONPartHeader builds the header block for a JSON metadata part.
func JSONPartHeader(name string) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q`, name)},
		"Content-Type":        {"application/json; charset=UTF-8"},
	}
}

// AudioPartHeader builds the header block for a binary audio part.
func AudioPartHeader(name string) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q`, name)},
		"Content-Type":        {"application/octet-stream"},
	}
}
