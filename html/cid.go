package html

import (
	"fmt"
	"net/url"
	"strings"

	css "github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

const cidScheme = "cid:"

// Attributes that can point at an inline image
var cidAttrs = []string{"src", "href", "background"}

// The scheme is case-insensitive
var cidSelector = css.MustCompile(`[src^="cid:" i], [href^="cid:" i], [background^="cid:" i]`)

// ContentIDRefs returns the Content-IDs referenced through cid: URLs in body,
// in document order and without duplicates. The IDs are returned without the
// scheme and with any percent-encoding removed, e.g. "cid:my%20logo.png"
// becomes "my logo.png".
func ContentIDRefs(body string) ([]string, error) {
	n, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("can't parse the HTML body: %w", err)
	}

	seen := make(map[string]struct{})
	var refs []string
	for _, el := range cidSelector.MatchAll(n) {
		for _, a := range el.Attr {
			if !isCIDAttr(a.Key) || !strings.HasPrefix(strings.ToLower(a.Val), cidScheme) {
				continue
			}

			id := a.Val[len(cidScheme):]
			if u, err := url.PathUnescape(id); err == nil {
				id = u
			}
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			refs = append(refs, id)
		}
	}

	return refs, nil
}

func isCIDAttr(k string) bool {
	for _, a := range cidAttrs {
		if a == k {
			return true
		}
	}
	return false
}
