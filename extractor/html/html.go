// Package html implements ContentExtractor: turning rendered HTML bytes
// into plain text, metadata, an ordered link list, and structured data.
// Grounded on the teacher's parser/html (bluemonday sanitization +
// golang.org/x/net/html tree walk, convertLinksToAbsolute) and
// parser/html/links.go (ExtractLinks), generalized per SPEC_FULL.md §4.2:
// text extraction stops at plain text (not markdown), links preserve
// document order and duplicates, and structured-data extraction is new.
package html

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ferrum-labs/iris/fetchmodel"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// metadataPolicy strips any markup that survives into a meta/OpenGraph
// attribute value (a crafted `content="<script>..."`) before it reaches
// the API response, the same bluemonday-sanitize-before-trust idiom the
// teacher's parser/html package applies to full documents.
var metadataPolicy = bluemonday.StrictPolicy()

func sanitizeMetadataText(s string) string {
	if s == "" {
		return s
	}
	return strings.TrimSpace(metadataPolicy.Sanitize(s))
}

// boilerplateTags are stripped entirely before text extraction: navigation
// chrome, ads, and scripting/styling that never belongs in article body text.
var boilerplateTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"form": true, "iframe": true, "svg": true, "button": true,
}

// blockTags force a paragraph break in the extracted text.
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "blockquote": true,
	"pre": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "table": true, "ul": true, "ol": true,
}

// Extractor is a stateless ContentExtractor; a single instance may be
// shared across goroutines.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor { return &Extractor{} }

// Result is ContentExtractor's output: the pieces of FetchResult this
// package is responsible for populating.
type Result struct {
	Text           string
	Metadata       fetchmodel.Metadata
	Links          []fetchmodel.Link
	StructuredData fetchmodel.StructuredData
}

// Extract parses rendered HTML bytes (resolved against baseURL for relative
// links) into text, metadata, links, and structured data.
func (e *Extractor) Extract(htmlBytes []byte, baseURL string) (*Result, error) {
	doc, err := html.Parse(strings.NewReader(string(htmlBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		base = &url.URL{}
	}

	result := &Result{
		Metadata:       extractMetadata(doc),
		Links:          extractLinks(doc, base),
		StructuredData: extractStructuredData(doc),
	}
	result.Text = extractText(doc)

	return result, nil
}

// extractMetadata walks <head> in priority order: OpenGraph, Twitter Cards,
// standard <meta>, <title>, <link rel="canonical">, <html lang>.
func extractMetadata(doc *html.Node) fetchmodel.Metadata {
	var meta fetchmodel.Metadata

	var og, twitter, std = map[string]string{}, map[string]string{}, map[string]string{}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "html":
				if lang := attr(n, "lang"); lang != "" {
					meta.Language = lang
				}
			case "title":
				if meta.Title == "" && n.FirstChild != nil {
					meta.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				name := strings.ToLower(attr(n, "name"))
				property := strings.ToLower(attr(n, "property"))
				content := attr(n, "content")
				switch {
				case strings.HasPrefix(property, "og:"):
					og[property] = content
				case strings.HasPrefix(name, "twitter:"):
					twitter[name] = content
				case name == "description" || name == "author":
					std[name] = content
				}
			case "link":
				if strings.EqualFold(attr(n, "rel"), "canonical") {
					meta.CanonicalURL = attr(n, "href")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	meta.Title = sanitizeMetadataText(firstNonEmpty(og["og:title"], twitter["twitter:title"], meta.Title))
	meta.Description = sanitizeMetadataText(firstNonEmpty(og["og:description"], twitter["twitter:description"], std["description"]))
	meta.Author = sanitizeMetadataText(std["author"])

	return meta
}

// extractLinks walks every <a href> in document order, resolving relative
// hrefs against base. Duplicates are preserved, per SPEC_FULL.md §4.2's
// explicit divergence from the teacher's deduplicating ExtractLinks.
func extractLinks(doc *html.Node, base *url.URL) []fetchmodel.Link {
	var links []fetchmodel.Link

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := strings.TrimSpace(attr(n, "href"))
			if href != "" && !isSkippableHref(href) {
				resolved := href
				if parsed, err := url.Parse(href); err == nil {
					resolved = base.ResolveReference(parsed).String()
				}
				links = append(links, fetchmodel.Link{
					Href: resolved,
					Text: collapseWhitespace(visibleText(n)),
					Rel:  attr(n, "rel"),
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return links
}

func isSkippableHref(href string) bool {
	return strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:")
}

// extractStructuredData collects every <script type="application/ld+json">
// payload (malformed entries dropped) plus Schema.org microdata flattened
// from itemscope/itemtype/itemprop attributes.
func extractStructuredData(doc *html.Node) fetchmodel.StructuredData {
	var data fetchmodel.StructuredData
	seenTypes := map[string]bool{}

	addType := func(t string) {
		if t != "" && !seenTypes[t] {
			seenTypes[t] = true
			data.SchemaOrgTypes = append(data.SchemaOrgTypes, t)
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "script" && strings.EqualFold(attr(n, "type"), "application/ld+json") && n.FirstChild != nil {
				for _, obj := range parseJSONLD(n.FirstChild.Data) {
					data.JSONLD = append(data.JSONLD, obj)
					if t, ok := obj["@type"].(string); ok {
						addType(t)
					}
				}
			}
			if itemtype := attr(n, "itemtype"); hasAttr(n, "itemscope") || itemtype != "" {
				if item := parseMicrodataItem(n); item != nil {
					data.Microdata = append(data.Microdata, item)
					if t, ok := item["@type"].(string); ok {
						addType(t)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return data
}

// parseJSONLD leniently parses a <script type="application/ld+json"> body,
// which may be a single object or an array of objects; malformed payloads
// are dropped rather than failing the whole extraction.
func parseJSONLD(raw string) []map[string]interface{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var single map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &single); err == nil {
		return []map[string]interface{}{single}
	}

	var list []map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list
	}

	return nil
}

// parseMicrodataItem flattens one itemscope element's itemprop descendants
// into a nested map, stopping at nested itemscope boundaries.
func parseMicrodataItem(n *html.Node) map[string]interface{} {
	item := map[string]interface{}{}
	if itemtype := attr(n, "itemtype"); itemtype != "" {
		item["@type"] = lastPathSegment(itemtype)
	}

	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.ElementNode {
			if prop := attr(c, "itemprop"); prop != "" {
				if hasAttr(c, "itemscope") {
					item[prop] = parseMicrodataItem(c)
					return
				}
				item[prop] = microdataValue(c)
			}
			if hasAttr(c, "itemscope") {
				return // nested scope without itemprop on this element: don't descend into it here
			}
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}

	return item
}

func microdataValue(n *html.Node) string {
	switch n.Data {
	case "meta":
		return attr(n, "content")
	case "a", "link":
		return attr(n, "href")
	case "img":
		return attr(n, "src")
	case "time":
		if dt := attr(n, "datetime"); dt != "" {
			return dt
		}
	}
	return collapseWhitespace(visibleText(n))
}

func lastPathSegment(itemtype string) string {
	parts := strings.Split(strings.TrimRight(itemtype, "/"), "/")
	return parts[len(parts)-1]
}

// extractText strips boilerplate tags, then walks the remaining tree
// collecting visible text, inserting paragraph breaks at block boundaries.
func extractText(doc *html.Node) string {
	var buf strings.Builder

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && boilerplateTags[n.Data] {
			return
		}

		if n.Type == html.TextNode {
			text := collapseWhitespace(n.Data)
			if text != "" {
				if buf.Len() > 0 {
					last := buf.String()[buf.Len()-1]
					if last != ' ' && last != '\n' {
						buf.WriteByte(' ')
					}
				}
				buf.WriteString(text)
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type == html.ElementNode && blockTags[n.Data] {
			buf.WriteString("\n\n")
		}
	}
	walk(doc)

	return normalizeParagraphs(buf.String())
}

func normalizeParagraphs(s string) string {
	lines := strings.Split(s, "\n\n")
	var paragraphs []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			paragraphs = append(paragraphs, trimmed)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

func visibleText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return buf.String()
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
