// Package annex parses the special-regime convention document: an HTML
// page embedding one table per annex, each preceded by a heading.
package annex

import (
	"io"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"github.com/risetech/openfiscal/internal/model"
	"github.com/risetech/openfiscal/internal/normalize"
)

// Only short, unambiguous "ANEXO <token>" headings mark the start of a
// relevant table; longer headings that merely mention an annex do not.
var annexHeading = regexp.MustCompile(`^ANEXO \S+$`)

const maxHeadingLen = 15

var headingTags = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// Parse walks the document tree, locates each annex table, and expands
// its rows into regime records. A row listing N classification codes
// yields N records. Malformed rows are skipped.
func Parse(r io.Reader) ([]model.RegimeRecord, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, eris.Wrap(err, "annex: parse html")
	}

	// Flatten to document order so "the next table after a heading" is a
	// simple forward scan.
	var order []*html.Node
	var flatten func(n *html.Node)
	flatten = func(n *html.Node) {
		order = append(order, n)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			flatten(c)
		}
	}
	flatten(root)

	var records []model.RegimeRecord
	for i, n := range order {
		if !isAnnexHeading(n) {
			continue
		}
		table := nextTable(order, i+1)
		if table == nil {
			continue
		}
		records = append(records, tableRecords(table)...)
	}

	return records, nil
}

func isAnnexHeading(n *html.Node) bool {
	if n.Type != html.ElementNode || !headingTags[n.Data] {
		return false
	}
	text := normalize.Collapse(nodeText(n))
	return len(text) < maxHeadingLen && annexHeading.MatchString(text)
}

func nextTable(order []*html.Node, from int) *html.Node {
	for _, n := range order[from:] {
		if n.Type == html.ElementNode && n.Data == "table" {
			return n
		}
	}
	return nil
}

// tableRecords extracts regime records from one annex table. The first
// row is the header. Data rows need at least 4 cells: regime code in
// the second, a whitespace-delimited classification-code list in the
// third, and the description in the fourth.
func tableRecords(table *html.Node) []model.RegimeRecord {
	var records []model.RegimeRecord
	for ri, row := range findAll(table, "tr") {
		if ri == 0 {
			continue
		}
		cells := findAll(row, "td")
		if len(cells) < 4 {
			continue
		}

		cest := normalize.Code(nodeText(cells[1]))
		descricao := normalize.Collapse(nodeText(cells[3]))
		if cest == "" {
			continue
		}

		for _, tok := range strings.Fields(nodeText(cells[2])) {
			ncm := normalize.Code(tok)
			if ncm == "" {
				continue
			}
			records = append(records, model.RegimeRecord{
				CEST:      cest,
				NCM:       ncm,
				Descricao: descricao,
			})
		}
	}
	return records
}

// findAll returns the descendant elements of n with the given tag, in
// document order.
func findAll(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
			if tag == "td" {
				return // cells do not nest in these documents
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return out
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
