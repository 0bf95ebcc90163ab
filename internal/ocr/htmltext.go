package ocr

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// HTMLText returns the visible text of an HTML document: script, style and
// head subtrees are dropped, remaining text nodes are joined with spaces and
// whitespace runs collapse to a single space.
func HTMLText(doc []byte) string {
	if len(bytes.TrimSpace(doc)) == 0 {
		return ""
	}
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return ""
	}
	d.Find("script, style, head").Remove()

	var parts []string
	for _, root := range d.Nodes {
		collectText(root, &parts)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		*parts = append(*parts, n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}
