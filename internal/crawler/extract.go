package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const excerptRunes = 500

type extracted struct {
	title    string
	text     string
	excerpt  string
	links    []string
	noIndex  bool
	noFollow bool
}

// extract parses an HTML body into its searchable projection. The title
// falls back to the first h1 when the document has no title element.
func extract(body []byte, base *url.URL) (extracted, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return extracted{}, fmt.Errorf("parse html: %w", err)
	}

	var out extracted

	out.title = strings.TrimSpace(doc.Find("title").First().Text())
	if out.title == "" {
		out.title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find("meta[name='robots']").Each(func(_ int, sel *goquery.Selection) {
		content, _ := sel.Attr("content")
		noIndex, noFollow := parseRobotsTag(content)
		out.noIndex = out.noIndex || noIndex
		out.noFollow = out.noFollow || noFollow
	})

	// Scripts and styles pollute the text projection; drop them before
	// flattening.
	doc.Find("script, style, noscript").Remove()
	out.text = squashWhitespace(doc.Find("body").Text())
	out.excerpt = truncateRunes(out.text, excerptRunes)

	out.links = extractLinks(doc, base)
	return out, nil
}

// extractLinks collects same-protocol links, resolving relative ones against
// the page URL. Links marked rel=nofollow are skipped, fragments stripped,
// and duplicates removed while preserving document order.
func extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if rel, ok := sel.Attr("rel"); ok && strings.Contains(strings.ToLower(rel), "nofollow") {
			return
		}
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		parsed, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(parsed)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

// squashWhitespace collapses runs of whitespace into single spaces.
func squashWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
