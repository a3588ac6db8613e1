package smtptest

import (
	"fmt"
	"io"
	"strings"

	"github.com/zostay/go-email/v2/message"
)

// Leaf is a non-multipart part of a received message.
type Leaf struct {
	MediaType string
	// Presentation from Content-Disposition, e.g. "attachment" or "inline"
	Disposition string
	Filename    string
	// Without the angle brackets
	ContentID string
	// Transfer encoding already removed
	Body []byte
	// Media types of the enclosing containers, outermost first
	Containers []string
}

// ParseLeaves parses a raw message and returns its leaves in the order they
// appear.
func ParseLeaves(raw string) ([]Leaf, error) {
	m, err := message.Parse(
		strings.NewReader(raw),
		message.WithUnlimitedRecursion(),
		message.DecodeTransferEncoding(),
	)
	if err != nil {
		return nil, fmt.Errorf("can't parse the message: %w", err)
	}

	var leaves []Leaf
	if err := collectLeaves(m, nil, &leaves); err != nil {
		return nil, err
	}
	return leaves, nil
}

func collectLeaves(p message.Part, containers []string, leaves *[]Leaf) error {
	h := p.GetHeader()
	mt, _ := h.GetMediaType()

	if p.IsMultipart() {
		c := append(append([]string{}, containers...), mt)
		for _, sub := range p.GetParts() {
			if err := collectLeaves(sub, c, leaves); err != nil {
				return err
			}
		}
		return nil
	}

	l := Leaf{
		MediaType:  mt,
		Containers: containers,
	}
	l.Disposition, _ = h.GetPresentation()
	l.Filename, _ = h.GetFilename()
	if id, err := h.Get("Content-ID"); err == nil {
		l.ContentID = strings.Trim(strings.TrimSpace(id), "<>")
	}

	if r := p.GetReader(); r != nil {
		b, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("can't read a %v part: %w", mt, err)
		}
		l.Body = b
	}

	*leaves = append(*leaves, l)
	return nil
}

// Filter returns the leaves with the given media type prefix, e.g. "text/" or
// "image/png".
func Filter(leaves []Leaf, prefix string) []Leaf {
	var r []Leaf
	for _, l := range leaves {
		if strings.HasPrefix(l.MediaType, prefix) {
			r = append(r, l)
		}
	}
	return r
}
