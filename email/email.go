package email

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zostay/go-addr/pkg/addr"

	"github.com/ptgott/mailsender/html"
	"github.com/ptgott/mailsender/userconfig"
)

const attachmentContentType = "application/octet-stream"

// Build assembles the Message described by um. Files are read in the order
// they are listed, attachments first. Any file that can't be read aborts the
// whole build with a *MissingAttachmentError.
func Build(um userconfig.Message) (*Message, error) {
	from, err := addr.ParseEmailMailbox(um.From)
	if err != nil {
		return nil, fmt.Errorf("%w: FROM %q: %v", userconfig.ErrInvalidAddress, um.From, err)
	}
	to, err := addr.ParseEmailMailbox(um.To)
	if err != nil {
		return nil, fmt.Errorf("%w: TO %q: %v", userconfig.ErrInvalidAddress, um.To, err)
	}

	m := &Message{
		Envelope: Envelope{
			From: from.Address(),
			To:   to.Address(),
		},
		From:                um.From,
		To:                  um.To,
		Subject:             um.Subject,
		MessageID:           newMessageID(from.Address()),
		Date:                time.Now(),
		relatedBoundary:     newBoundary(),
		alternativeBoundary: newBoundary(),
	}

	if um.BodyPlain != "" {
		m.Plain = &TextPart{Content: um.BodyPlain, Subtype: Plain, Charset: defaultCharset}
	}
	if um.BodyHTML != "" {
		m.HTML = &TextPart{Content: um.BodyHTML, Subtype: HTML, Charset: defaultCharset}
	}
	if m.Plain == nil && m.HTML == nil {
		log.Warn().Msg("the message has no plain or HTML body")
	}

	for _, p := range um.AttachmentPaths {
		b, err := readAttachment(p, um.MaxAttachmentSize)
		if err != nil {
			return nil, err
		}
		m.Related = append(m.Related, &AttachmentPart{
			Filename:    filepath.Base(p),
			ContentType: attachmentContentType,
			Content:     b,
		})
	}

	for _, p := range um.InlineImagePaths {
		b, err := readAttachment(p, um.MaxAttachmentSize)
		if err != nil {
			return nil, err
		}
		ct, err := imageType(p, b)
		if err != nil {
			return nil, err
		}
		m.Related = append(m.Related, &InlineImagePart{
			ContentID:   filepath.Base(p),
			Filename:    filepath.Base(p),
			ContentType: ct,
			Content:     b,
		})
	}

	m.checkContentIDs()

	return m, nil
}

// readAttachment reads the file at p, enforcing a size cap of limit bytes
// unless limit is zero.
func readAttachment(p string, limit int64) ([]byte, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, &MissingAttachmentError{
			Path:     p,
			Filename: filepath.Base(p),
			Err:      err,
		}
	}

	if limit > 0 && int64(len(b)) > limit {
		return nil, fmt.Errorf(
			"%w: %v is %v, the limit is %v",
			ErrAttachmentTooLarge,
			p,
			units.HumanSize(float64(len(b))),
			units.HumanSize(float64(limit)),
		)
	}

	log.Debug().
		Str("path", p).
		Str("size", units.HumanSize(float64(len(b)))).
		Msg("read attachment")

	return b, nil
}

// imageType sniffs the media type of an inline image, falling back to the
// file extension for formats the sniffer doesn't know, e.g. SVG.
func imageType(p string, b []byte) (string, error) {
	ct := http.DetectContentType(b)
	if strings.HasPrefix(ct, "image/") {
		return ct, nil
	}

	if mt, _, err := mime.ParseMediaType(mime.TypeByExtension(filepath.Ext(p))); err == nil &&
		strings.HasPrefix(mt, "image/") {
		return mt, nil
	}

	return "", fmt.Errorf("%w: %v looks like %v", ErrNotAnImage, p, ct)
}

// checkContentIDs logs inline images the HTML body never refers to, and
// cid: references with no matching image. Neither stops the build.
func (m *Message) checkContentIDs() {
	images := make(map[string]bool)
	for _, p := range m.Related {
		if img, ok := p.(*InlineImagePart); ok {
			images[img.ContentID] = false
		}
	}

	if m.HTML == nil {
		if len(images) > 0 {
			log.Warn().Int("count", len(images)).Msg("inline images attached to a message without an HTML body")
		}
		return
	}

	refs, err := html.ContentIDRefs(m.HTML.Content)
	if err != nil {
		log.Warn().Err(err).Msg("can't parse the HTML body to check cid: references")
		return
	}

	for _, r := range refs {
		if _, ok := images[r]; !ok {
			log.Warn().Str("cid", r).Msg("the HTML body refers to an inline image that is not attached")
			continue
		}
		images[r] = true
	}
	for id, used := range images {
		if !used {
			log.Warn().Str("cid", id).Msg("inline image is never referenced by the HTML body")
		}
	}
}

// newMessageID returns a Message-ID in the sender's domain.
func newMessageID(sender string) string {
	domain := "localhost"
	if i := strings.LastIndex(sender, "@"); i > -1 && i < len(sender)-1 {
		domain = sender[i+1:]
	}
	return fmt.Sprintf("<%v@%v>", uuid.New(), domain)
}

func newBoundary() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
