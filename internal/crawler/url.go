package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalize resolves raw against base and canonicalizes the result.
// It lowercases the scheme and host, removes default ports and the fragment,
// and keeps the query untouched. On a malformed input it returns raw
// unchanged together with the parse error.
func Normalize(raw, base string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw, fmt.Errorf("parse url: %w", err)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return raw, fmt.Errorf("parse base url: %w", err)
		}
		ref = b.ResolveReference(ref)
	}

	ref.Scheme = strings.ToLower(ref.Scheme)
	ref.Host = strings.ToLower(ref.Host)

	// Remove default ports
	if ref.Scheme == "http" && strings.HasSuffix(ref.Host, ":80") {
		ref.Host = strings.TrimSuffix(ref.Host, ":80")
	}
	if ref.Scheme == "https" && strings.HasSuffix(ref.Host, ":443") {
		ref.Host = strings.TrimSuffix(ref.Host, ":443")
	}
	if ref.Host != "" && ref.Path == "" && ref.Opaque == "" {
		ref.Path = "/"
	}

	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), nil
}

// SameOrigin reports whether u stays on base's host. Purely relative
// references are same-origin; subdomains are not.
func SameOrigin(u, base string) bool {
	cand, err := url.Parse(u)
	if err != nil {
		return false
	}
	if cand.Scheme == "" && cand.Host == "" {
		return true
	}
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	return cand.Host != "" && strings.EqualFold(cand.Host, b.Host)
}

// stripFragment drops everything from the first '#'.
func stripFragment(u string) string {
	before, _, _ := strings.Cut(u, "#")
	return before
}
