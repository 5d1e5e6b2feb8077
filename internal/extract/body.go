package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	noiseTags          = "script, style, nav, header, footer, aside"
	fullContentClass   = "wolken-content-container"
	articleClass       = "article-container"
	cardClass          = "article-detail-card"
	cardHeaderClass    = "article-detail-card-header"
	cardContentClass   = "detail-card-content"
	cardHeadingClass   = "wolken-h"
	productBlockClass  = "product-container"
	minCardTextLen     = 3
	minHeadlessCardLen = 30
	wrapperOpen        = `<div class="article-content-wrapper">`
	wrapperClose       = `</div>`
)

var (
	navKeywords = []string{"nav", "menu", "search", "footer", "sidebar", "breadcrumb", "feedback", "subscribe"}

	chromePhrases = map[string]struct{}{
		"search":     {},
		"cancel":     {},
		"subscribe":  {},
		"feedback":   {},
		"thumb_up":   {},
		"thumb_down": {},
		"show more":  {},
		"show less":  {},
	}

	allowedAttrs = map[string]struct{}{
		"class":             {},
		"id":                {},
		"href":              {},
		"src":               {},
		"colspan":           {},
		"rowspan":           {},
		"target":            {},
		"rel":               {},
		"data-uniquefileid": {},
		"onclick":           {},
	}
)

// Body strips page chrome from doc and renders the main article markup.
// doc is modified in place.
func Body(doc *goquery.Document) (string, error) {
	stripNoise(doc)

	container := mainContainer(doc)
	if container.Length() == 0 {
		return "", nil
	}
	if ClassContains(container, fullContentClass) {
		return render(container)
	}
	if merged, ok, err := mergeCards(container); err != nil || ok {
		return merged, err
	}
	if content := FilterClass(container.Find("div"), cardContentClass).First(); content.Length() > 0 {
		return render(content)
	}
	return render(container)
}

func stripNoise(doc *goquery.Document) {
	doc.Find(noiseTags).Remove()

	doc.Find("*").Not("html, body").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, ok := s.Attr("class")
		if !ok {
			return false
		}
		class = strings.ToLower(class)
		for _, kw := range navKeywords {
			if strings.Contains(class, kw) {
				return true
			}
		}
		return strings.Contains(class, "header") && !strings.Contains(class, cardHeaderClass)
	}).Remove()

	var chrome []*html.Node
	for _, root := range doc.Nodes {
		collectChrome(root, &chrome)
	}
	doc.FindNodes(chrome...).Remove()
}

// collectChrome gathers elements whose own text is exactly a UI control label.
func collectChrome(n *html.Node, out *[]*html.Node) {
	if n.Type == html.TextNode && n.Parent != nil && n.Parent.Type == html.ElementNode {
		if _, ok := chromePhrases[strings.ToLower(strings.TrimSpace(n.Data))]; ok {
			if p := n.Parent; p.Data != "body" && p.Data != "html" {
				*out = append(*out, p)
			}
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectChrome(c, out)
	}
}

func mainContainer(doc *goquery.Document) *goquery.Selection {
	candidates := []*goquery.Selection{
		FilterClass(doc.Find("div"), fullContentClass),
		FilterClass(doc.Find("div"), articleClass),
		doc.Find("article"),
		doc.Find("main"),
		doc.Find("body"),
	}
	for _, c := range candidates {
		if c.Length() > 0 {
			return c.First()
		}
	}
	return doc.Selection.Find("nothing")
}

type card struct {
	html    string
	heading string
	textLen int
}

// mergeCards collects top-level cards under container into one wrapper. Cards
// sharing a heading collapse to the one with the most text.
func mergeCards(container *goquery.Selection) (string, bool, error) {
	cards := container.Find("div").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return isCard(s) && s.ParentsFiltered("div").FilterFunction(func(_ int, p *goquery.Selection) bool {
			return isCard(p)
		}).Length() == 0
	})
	if cards.Length() == 0 {
		return "", false, nil
	}

	var (
		kept    []*card
		byTitle = make(map[string]*card)
		failure error
	)
	cards.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		textLen := len([]rune(strippedText(s)))
		if textLen < minCardTextLen {
			return true
		}
		heading := strippedText(FilterClass(s.Find("h2, h3, h4, h5"), cardHeadingClass).First())

		if heading == "" && !keepHeadless(s, textLen) {
			return true
		}
		if prev, ok := byTitle[heading]; ok && heading != "" && textLen <= prev.textLen {
			return true
		}

		rendered, err := render(s.Clone())
		if err != nil {
			failure = err
			return false
		}
		c := &card{html: rendered, heading: heading, textLen: textLen}
		if heading != "" {
			if prev, ok := byTitle[heading]; ok {
				kept = removeCard(kept, prev)
			}
			byTitle[heading] = c
		}
		kept = append(kept, c)
		return true
	})
	if failure != nil {
		return "", false, failure
	}

	var b strings.Builder
	b.WriteString(wrapperOpen)
	for _, c := range kept {
		b.WriteString(c.html)
	}
	b.WriteString(wrapperClose)
	return b.String(), true, nil
}

func isCard(s *goquery.Selection) bool {
	class, ok := s.Attr("class")
	if !ok {
		return false
	}
	for _, token := range strings.Fields(strings.ToLower(class)) {
		if token == cardClass {
			return true
		}
	}
	return false
}

func keepHeadless(s *goquery.Selection, textLen int) bool {
	return FilterClass(s.Find("div"), productBlockClass).Length() > 0 ||
		s.Find("table").Length() > 0 ||
		textLen > minHeadlessCardLen
}

func removeCard(cards []*card, target *card) []*card {
	for i, c := range cards {
		if c == target {
			return append(cards[:i], cards[i+1:]...)
		}
	}
	return cards
}

// render serializes sel's first node after applying the attribute allowlist.
func render(sel *goquery.Selection) (string, error) {
	SanitizeAttributes(sel)
	out, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", fmt.Errorf("render container: %w", err)
	}
	return out, nil
}

// SanitizeAttributes drops every attribute outside the allowlist from sel and its descendants.
func SanitizeAttributes(sel *goquery.Selection) {
	for _, n := range sel.Nodes {
		sanitizeNode(n)
	}
}

func sanitizeNode(n *html.Node) {
	if n.Type == html.ElementNode {
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			if _, ok := allowedAttrs[strings.ToLower(a.Key)]; ok && a.Namespace == "" {
				kept = append(kept, a)
			}
		}
		n.Attr = kept
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sanitizeNode(c)
	}
}
