package email

import (
	"bytes"
	"mime"
	"strings"

	"github.com/zostay/go-email/v2/message"
	"github.com/zostay/go-email/v2/message/header"
	"github.com/zostay/go-email/v2/message/header/param"
	"github.com/zostay/go-email/v2/message/transfer"
)

// Text subtypes
const (
	Plain = "plain"
	HTML  = "html"
)

const defaultCharset = "utf-8"

// Part is one leaf of a Message: a TextPart, an AttachmentPart or an
// InlineImagePart.
type Part interface {
	// opaque renders the leaf as a fresh zostay message part. The returned
	// part can only be written once.
	opaque() *message.Opaque
}

// TextPart is a plain or HTML body.
type TextPart struct {
	Content string
	// Plain or HTML
	Subtype string
	Charset string
}

func (p *TextPart) opaque() *message.Opaque {
	o := &message.Opaque{Reader: strings.NewReader(p.Content)}
	o.SetContentType(param.New("text/"+p.Subtype, map[string]string{
		param.Charset: p.Charset,
	}))
	o.SetTransferEncoding(transfer.QuotedPrintable)
	return o
}

// AttachmentPart is a file presented to the reader as a download.
type AttachmentPart struct {
	Filename    string
	ContentType string
	Content     []byte
}

func (p *AttachmentPart) opaque() *message.Opaque {
	o := &message.Opaque{Reader: bytes.NewReader(p.Content)}
	o.Set(header.ContentType, mediaType(p.ContentType, "name", p.Filename))
	o.Set(header.ContentDisposition, mediaType("attachment", param.Filename, p.Filename))
	o.SetTransferEncoding(transfer.Base64)
	return o
}

// InlineImagePart is an image the HTML body can reference as cid:ContentID.
type InlineImagePart struct {
	// Without the angle brackets
	ContentID   string
	Filename    string
	ContentType string
	Content     []byte
}

func (p *InlineImagePart) opaque() *message.Opaque {
	o := &message.Opaque{Reader: bytes.NewReader(p.Content)}
	o.SetMediaType(p.ContentType)
	o.Set("Content-ID", "<"+p.ContentID+">")
	o.Set(header.ContentDisposition, mediaType("inline", param.Filename, p.Filename))
	o.SetTransferEncoding(transfer.Base64)
	return o
}

// mediaType renders a header value such as `attachment; filename="a b.txt"`.
// Printable ASCII values are always quoted. Anything else uses the RFC 2231
// form so the header itself stays ASCII.
func mediaType(t, k, v string) string {
	base := mime.FormatMediaType(t, nil)
	if base == "" {
		base = t
	}
	if v == "" {
		return base
	}
	if !printableASCII(v) {
		if s := mime.FormatMediaType(t, map[string]string{k: v}); s != "" {
			return s
		}
		return base
	}
	return base + "; " + k + `="` + quoteEscaper.Replace(v) + `"`
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func printableASCII(v string) bool {
	for i := 0; i < len(v); i++ {
		if (v[i] < ' ' && v[i] != '\t') || v[i] >= 0x7f {
			return false
		}
	}
	return true
}
