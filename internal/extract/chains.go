package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/Dankin/vmware-kb/internal/kb"
)

// Strategy yields a field value from a document, reporting whether it found one.
type Strategy func(doc *goquery.Document) (string, bool)

// FirstOf runs strategies in order and returns the first value found.
func FirstOf(doc *goquery.Document, strategies ...Strategy) (string, bool) {
	for _, s := range strategies {
		if v, ok := s(doc); ok {
			return v, true
		}
	}
	return "", false
}

var (
	scriptDatePattern  = regexp.MustCompile(`var\s+d\s*=\s*['"]([^'"]+)['"]`)
	labeledDatePattern = regexp.MustCompile(`\d{1,2}[-/]\d{1,2}[-/]\d{2,4}`)
)

const (
	officialIDLabel = "Article ID"
	updatedOnLabel  = "Updated On:"
	dateScriptMark  = "getElementById('date_time')"
)

// Title resolves the article title, synthesizing "KB {id}" when no heading
// exists. found is false for the synthesized title.
func Title(doc *goquery.Document, id int) (title string, found bool) {
	title, found = FirstOf(doc,
		firstElementText("h3", "wolken-h3"),
		firstElementText("h1", ""),
		firstElementText("h2", ""),
		firstElementText("h3", ""),
		firstElementText("title", ""),
	)
	if !found {
		return fmt.Sprintf("KB %d", id), false
	}
	return title, true
}

// IsSoftNotFound reports whether a resolved title marks an error page.
func IsSoftNotFound(title string) bool {
	return strings.Contains(title, "404") || strings.Contains(strings.ToLower(title), "not found")
}

func firstElementText(tag, classKeyword string) Strategy {
	return func(doc *goquery.Document) (string, bool) {
		sel := doc.Find(tag)
		if classKeyword != "" {
			sel = FilterClass(sel, classKeyword)
		}
		if sel.Length() == 0 {
			return "", false
		}
		text := strippedText(sel.First())
		return text, text != ""
	}
}

// OfficialID returns the text following the last "Article ID" label.
func OfficialID(doc *goquery.Document) (string, bool) {
	var found string
	ok := false
	eachText(doc.Selection, func(text string) bool {
		if !strings.Contains(text, officialIDLabel) {
			return true
		}
		parts := strings.Split(text, officialIDLabel)
		found = strings.TrimSpace(strings.ReplaceAll(parts[len(parts)-1], ":", ""))
		ok = true
		return false
	})
	return found, ok
}

// UpdateDate tries the inline date script, JSON-LD metadata, then a labeled text fragment.
func UpdateDate(doc *goquery.Document) (string, bool) {
	return FirstOf(doc, dateFromScript, dateFromJSONLD, dateFromLabel)
}

func dateFromScript(doc *goquery.Document) (string, bool) {
	var date string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		body := s.Text()
		if !strings.Contains(body, dateScriptMark) {
			return true
		}
		if m := scriptDatePattern.FindStringSubmatch(body); m != nil {
			date = strings.TrimSpace(m[1])
			return false
		}
		return true
	})
	return date, date != ""
}

func dateFromJSONLD(doc *goquery.Document) (string, bool) {
	var date string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		typ, _ := s.Attr("type")
		if !strings.Contains(typ, "application/ld+json") {
			return true
		}
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		date = dateModified(payload)
		return date == ""
	})
	return date, date != ""
}

func dateModified(payload any) string {
	switch v := payload.(type) {
	case map[string]any:
		if d, ok := v["dateModified"]; ok && d != nil {
			return fmt.Sprint(d)
		}
	case []any:
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				if d, ok := obj["dateModified"]; ok && d != nil {
					return fmt.Sprint(d)
				}
			}
		}
	}
	return ""
}

func dateFromLabel(doc *goquery.Document) (string, bool) {
	var date string
	eachText(doc.Selection, func(text string) bool {
		idx := strings.Index(text, updatedOnLabel)
		if idx < 0 {
			return true
		}
		date = labeledDatePattern.FindString(text[idx+len(updatedOnLabel):])
		return date == ""
	})
	return date, date != ""
}

// Products collects chip labels, preferring chips inside a product container.
func Products(doc *goquery.Document) []string {
	var names []string
	FilterClass(doc.Find("div"), "product-container").Each(func(_ int, c *goquery.Selection) {
		names = appendChips(names, FilterClass(c.Find("span"), "product-chip"))
	})
	if len(names) == 0 {
		names = appendChips(names, FilterClass(doc.Find("span"), "product-chip"))
	}
	return names
}

func appendChips(names []string, chips *goquery.Selection) []string {
	chips.Each(func(_ int, chip *goquery.Selection) {
		name := strippedText(chip)
		if name == "" || len([]rune(name)) >= kb.MaxProductLen {
			return
		}
		for _, existing := range names {
			if existing == name {
				return
			}
		}
		names = append(names, name)
	})
	return names
}

// FilterClass keeps elements whose class attribute contains keyword, case-insensitively.
func FilterClass(sel *goquery.Selection, keyword string) *goquery.Selection {
	keyword = strings.ToLower(keyword)
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return ClassContains(s, keyword)
	})
}

// ClassContains reports whether the element's class attribute contains keyword.
func ClassContains(s *goquery.Selection, keyword string) bool {
	class, ok := s.Attr("class")
	return ok && strings.Contains(strings.ToLower(class), strings.ToLower(keyword))
}

// strippedText concatenates the element's trimmed text nodes.
func strippedText(sel *goquery.Selection) string {
	var b strings.Builder
	eachText(sel, func(text string) bool {
		b.WriteString(text)
		return true
	})
	return b.String()
}

// eachText visits trimmed, non-empty text nodes outside script and style elements
// in document order until fn returns false.
func eachText(sel *goquery.Selection, fn func(string) bool) {
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				return fn(t)
			}
			return true
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	for _, n := range sel.Nodes {
		if !walk(n) {
			return
		}
	}
}
