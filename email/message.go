package email

import (
	"fmt"
	"io"
	"time"

	"github.com/zostay/go-email/v2/message"
)

// Media types of the two containers
const (
	relatedType     = "multipart/related"
	alternativeType = "multipart/alternative"
)

// Envelope is the SMTP-level sender and recipient, i.e. the bare addresses
// used in MAIL FROM and RCPT TO.
type Envelope struct {
	From string
	To   string
}

// Message is a MIME tree ready for transmission. The root is a
// multipart/related container. If both bodies are present they sit in a
// multipart/alternative child, plain first. A single body sits directly
// under the root. Attachments and inline images follow in the order they
// were attached.
//
// Build a Message with Build. A Message can be written any number of times
// and always renders the same bytes.
type Message struct {
	Envelope Envelope

	// Header values
	From      string
	To        string
	Subject   string
	MessageID string
	Date      time.Time

	Plain *TextPart
	HTML  *TextPart
	// AttachmentParts and InlineImageParts, in attach order
	Related []Part

	relatedBoundary     string
	alternativeBoundary string
}

// Leaves returns the leaf parts in the order they appear in the tree.
func (m *Message) Leaves() []Part {
	leaves := make([]Part, 0, len(m.Related)+2)
	if m.Plain != nil {
		leaves = append(leaves, m.Plain)
	}
	if m.HTML != nil {
		leaves = append(leaves, m.HTML)
	}
	return append(leaves, m.Related...)
}

// HasAlternative reports whether the bodies are wrapped in a
// multipart/alternative container.
func (m *Message) HasAlternative() bool {
	return m.Plain != nil && m.HTML != nil
}

// WriteTo serializes the message in MIME wire format.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	root, err := m.tree()
	if err != nil {
		return 0, err
	}
	return root.WriteTo(w)
}

func (m *Message) tree() (*message.Multipart, error) {
	children := make([]message.Part, 0, len(m.Related)+1)

	body, err := m.body()
	if err != nil {
		return nil, err
	}
	if body != nil {
		children = append(children, body)
	}
	for _, p := range m.Related {
		children = append(children, p.opaque())
	}

	b := &message.Buffer{}
	b.Set("MIME-Version", "1.0")
	b.SetDate(m.Date)
	if m.MessageID != "" {
		b.SetMessageID(m.MessageID)
	}
	if err := b.SetFrom(m.From); err != nil {
		return nil, fmt.Errorf("can't set the From header: %w", err)
	}
	if m.To != "" {
		if err := b.SetTo(m.To); err != nil {
			return nil, fmt.Errorf("can't set the To header: %w", err)
		}
	}
	b.SetSubject(m.Subject)

	return fillMultipart(b, relatedType, m.relatedBoundary, children...)
}

// body returns the alternative container, the single body part, or nil if
// the message has no body at all.
func (m *Message) body() (message.Part, error) {
	switch {
	case m.HasAlternative():
		return fillMultipart(
			&message.Buffer{},
			alternativeType,
			m.alternativeBoundary,
			m.Plain.opaque(),
			m.HTML.opaque(),
		)
	case m.Plain != nil:
		return m.Plain.opaque(), nil
	case m.HTML != nil:
		return m.HTML.opaque(), nil
	}
	return nil, nil
}

// fillMultipart turns b into a multipart container with a fixed boundary.
// Going through a Buffer, rather than building a Multipart directly, makes
// sure the closing boundary gets written.
func fillMultipart(b *message.Buffer, mediaType, boundary string, parts ...message.Part) (*message.Multipart, error) {
	b.SetMediaType(mediaType)
	if err := b.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("can't set the %v boundary: %w", mediaType, err)
	}
	b.SetMultipart(len(parts))
	b.Add(parts...)
	return b.Multipart()
}
