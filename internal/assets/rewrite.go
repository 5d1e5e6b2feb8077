package assets

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// quote matches a literal or entity-encoded quote character in rendered markup.
const quote = `(?:["']|&#39;|&#34;|&quot;)`

var (
	onclickAttr      = regexp.MustCompile(`(?i)\s+onclick\s*=\s*("[^"]*"|'[^']*')`)
	downloadLinkOpen = regexp.MustCompile(`(?i)<a([^>]*class=["'][^"']*attachment-download[^"']*["'][^>]*)>`)
	innerLink        = regexp.MustCompile(`(?i)<a[^>]*>([^<]*)</a>`)
	materialIcon     = regexp.MustCompile(`(?is)<span[^>]*material-icons[^>]*>.*?</span>`)
	nameSpan         = regexp.MustCompile(`(?i)<span[^>]*attachment-name[^>]*>([^<]*)</span>`)
	downloadSpan     = regexp.MustCompile(`(?is)<span[^>]*attachment-download[^>]*>.*?</span>`)
	downloadAnchor   = regexp.MustCompile(`(?is)<a[^>]*attachment-download[^>]*>.*?</a>`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
	cardOpen         = regexp.MustCompile(`(?i)<div([^>]*class=["'][^"']*attachment-card[^"']*["'][^>]*)>`)
)

// RewriteAttachments points body at the local copies of resolved attachments.
// API attachments have their click-to-download controls replaced by real
// links; direct attachments have their URL substituted.
func RewriteAttachments(body string, resolved []Resolved) string {
	for _, r := range resolved {
		if r.ViaAPI && r.FileID != "" {
			body = rewriteAPIAttachment(body, r)
			continue
		}
		if r.DirectURL != "" {
			body = strings.ReplaceAll(body, html.EscapeString(r.DirectURL), r.LocalPath)
			body = strings.ReplaceAll(body, r.DirectURL, r.LocalPath)
		}
	}
	return body
}

func rewriteAPIAttachment(body string, r Resolved) string {
	body = ReplaceOnclick(body, r)
	body = AddMissingHref(body, r)
	if r.Name != "" {
		body = WrapCard(body, r)
	}
	return body
}

func linkAttrs(r Resolved) string {
	return fmt.Sprintf(`href="%s" download="%s"`, html.EscapeString(r.LocalPath), html.EscapeString(r.Name))
}

// ReplaceOnclick turns an anchor whose click handler downloads r into a plain link.
func ReplaceOnclick(body string, r Resolved) string {
	pattern := regexp.MustCompile(`(?i)<a([^>]*)\s+onclick\s*=\s*["']downloadAttachment\(` + quote + `?` +
		regexp.QuoteMeta(r.FileID) + quote + `?\)["']([^>]*)>`)
	return pattern.ReplaceAllStringFunc(body, func(tag string) string {
		m := pattern.FindStringSubmatch(tag)
		before := onclickAttr.ReplaceAllString(m[1], "")
		after := onclickAttr.ReplaceAllString(m[2], "")
		return "<a" + before + " " + linkAttrs(r) + after + ">"
	})
}

// AddMissingHref adds a link target to anchors tagged with r's file id, and
// to the download control inside r's attachment card.
func AddMissingHref(body string, r Resolved) string {
	tagged := regexp.MustCompile(`(?i)<a([^>]*)\s+data-uniquefileid=["']` + regexp.QuoteMeta(r.FileID) + `["']([^>]*)>`)
	body = tagged.ReplaceAllStringFunc(body, func(tag string) string {
		m := tagged.FindStringSubmatch(tag)
		if strings.Contains(m[1], "href=") || strings.Contains(m[2], "href=") {
			return tag
		}
		return fmt.Sprintf(`<a%s data-uniquefileid="%s" %s%s>`, m[1], html.EscapeString(r.FileID), linkAttrs(r), m[2])
	})
	if r.Name == "" {
		return body
	}
	return rewriteCards(body, r.Name, func(_, _, block string) string {
		return downloadLinkOpen.ReplaceAllStringFunc(block, func(tag string) string {
			attrs := downloadLinkOpen.FindStringSubmatch(tag)[1]
			if strings.Contains(attrs, "href=") {
				return tag
			}
			return "<a" + attrs + " " + linkAttrs(r) + ">"
		})
	})
}

// WrapCard replaces r's attachment card with a single link carrying the card text.
func WrapCard(body string, r Resolved) string {
	return rewriteCards(body, r.Name, func(attrs, inner, block string) string {
		if strings.Contains(attrs, "href=") {
			return block
		}
		inner = innerLink.ReplaceAllString(inner, "$1")
		inner = materialIcon.ReplaceAllString(inner, "")
		inner = nameSpan.ReplaceAllString(inner, "$1")
		inner = downloadSpan.ReplaceAllString(inner, "")
		inner = downloadAnchor.ReplaceAllString(inner, "")
		inner = strings.TrimSpace(whitespaceRun.ReplaceAllString(inner, " "))
		if inner == "" {
			inner = html.EscapeString(r.Name)
		}
		return fmt.Sprintf(`<a %s class="attachment-card">%s</a>`, linkAttrs(r), inner)
	})
}

// rewriteCards applies fn to every attachment card block, from its opening tag
// to the first closing div, whose content mentions name.
func rewriteCards(body, name string, fn func(attrs, inner, block string) string) string {
	needle := strings.ToLower(html.EscapeString(name))
	var b strings.Builder
	pos := 0
	for pos < len(body) {
		loc := cardOpen.FindStringSubmatchIndex(body[pos:])
		if loc == nil {
			break
		}
		start, openEnd := pos+loc[0], pos+loc[1]
		closeAt := strings.Index(body[openEnd:], "</div>")
		if closeAt < 0 {
			break
		}
		end := openEnd + closeAt + len("</div>")
		inner := body[openEnd : openEnd+closeAt]
		block := body[start:end]

		b.WriteString(body[pos:start])
		if strings.Contains(strings.ToLower(inner), needle) {
			b.WriteString(fn(body[pos+loc[2]:pos+loc[3]], inner, block))
		} else {
			b.WriteString(block)
		}
		pos = end
	}
	b.WriteString(body[pos:])
	return b.String()
}
