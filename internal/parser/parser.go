// Package parser extracts hyperlinks from HTML using goquery.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

// HTML implements crawler.Parser.
type HTML struct{}

var _ crawler.Parser = HTML{}

// New returns an HTML link parser.
func New() HTML {
	return HTML{}
}

// Links returns the unique href values of <a> elements in document order.
// Empty and fragment-only hrefs are dropped. When the document declares
// <base href>, relative hrefs are resolved against it (itself resolved
// against base) so callers can keep resolving against the page URL.
func (HTML) Links(body []byte, base string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	docBase := documentBase(doc, base)
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if docBase != nil {
			if ref, err := url.Parse(href); err == nil && !ref.IsAbs() {
				href = docBase.ResolveReference(ref).String()
			}
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links, nil
}

func documentBase(doc *goquery.Document, base string) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return nil
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil
	}
	if ref.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return nil
	}
	return b.ResolveReference(ref)
}
