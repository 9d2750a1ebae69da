package multipart

import (
	"net/textproto"
	"strings"
)

// Part is one framed segment of a multipart message: a header block and a
// raw body. Directive metadata parts carry JSON; attachment parts carry
// binary audio referenced by Content-ID.
type Part struct {
	Header textproto.MIMEHeader
	Body   []byte
}

// ContentType returns the part's Content-Type header value.
func (p *Part) ContentType() string {
	return p.Header.Get("Content-Type")
}

// IsJSON reports whether the part carries a JSON body.
func (p *Part) IsJSON() bool {
	return strings.Contains(strings.ToLower(p.ContentType()), "application/json")
}

// ContentID returns the part's Content-ID with any angle brackets stripped.
func (p *Part) ContentID() string {
	id := strings.TrimSpace(p.Header.Get("Content-Id"))
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}
