package assets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Dankin/vmware-kb/internal/extract"
)

const downloadPath = "/es/attachments/download_attachment"

var fileExtensions = []string{"pdf", "zip", "doc", "docx", "xls", "xlsx", "txt", "rar", "7z", "tar", "gz", "exe", "msi", "tar.gz"}

// extensionAlternation lists fileExtensions longest first so that "docx" wins over "doc".
func extensionAlternation() string {
	exts := append([]string(nil), fileExtensions...)
	sort.SliceStable(exts, func(i, j int) bool { return len(exts[i]) > len(exts[j]) })
	for i, e := range exts {
		exts[i] = regexp.QuoteMeta(e)
	}
	return strings.Join(exts, "|")
}

var (
	apiDomainPatterns      = configPatterns("apiDomain")
	downloadDomainPatterns = configPatterns("kbDownloadDomain")

	filenamePattern    = regexp.MustCompile(`(?i)[\w\-.]+\.(?:` + extensionAlternation() + `)\b`)
	fileURLPattern     = regexp.MustCompile(`(?i)\.(` + extensionAlternation() + `)(?:$|[/?#&])`)
	onclickCallPattern = regexp.MustCompile(`(?i)downloadAttachment\(["']?([^"']+)["']?\)`)
	onclickIDPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)["']([a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12})["']`),
		regexp.MustCompile(`(?i)["']([a-f0-9]{32})["']`),
		regexp.MustCompile(`["'](\d{10,})["']`),
	}
)

func configPatterns(name string) []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)var\s+` + name + `\s*=\s*['"]([^'"]+)['"]`),
		regexp.MustCompile(`(?i)` + name + `\s*[:=]\s*['"]([^'"]+)['"]`),
		regexp.MustCompile(`(?i)['"]` + name + `['"]\s*:\s*['"]([^'"]+)['"]`),
	}
}

// APIConfig holds the attachment service settings embedded in page scripts.
type APIConfig struct {
	APIDomain      string
	DownloadDomain string
}

// APIConfigFromScripts scans inline scripts for the attachment API domain and
// the companion download domain.
func APIConfigFromScripts(doc *goquery.Document) APIConfig {
	var cfg APIConfig
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if cfg.APIDomain == "" && strings.Contains(text, "apiDomain") {
			cfg.APIDomain = firstSubmatch(apiDomainPatterns, text)
		}
		if cfg.DownloadDomain == "" && strings.Contains(text, "kbDownloadDomain") {
			cfg.DownloadDomain = firstSubmatch(downloadDomainPatterns, text)
		}
		return cfg.APIDomain == "" || cfg.DownloadDomain == ""
	})
	return cfg
}

func firstSubmatch(patterns []*regexp.Regexp, text string) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// Attachment is one downloadable file referenced by an article.
type Attachment struct {
	Name      string
	FileID    string
	DirectURL string
}

// Endpoint picks the download route. The API is used when a file id and API
// domain are known, except that a direct href wins when the download domain
// is missing. viaAPI reports which route was chosen.
func (a Attachment) Endpoint(api APIConfig) (endpoint string, viaAPI bool) {
	if a.FileID != "" && api.APIDomain != "" {
		base := strings.TrimRight(api.APIDomain, "/") + downloadPath
		if api.DownloadDomain != "" {
			return base + "?domain=" + api.DownloadDomain, true
		}
		if a.DirectURL == "" {
			return base + "?fileId=" + a.FileID, true
		}
	}
	if a.DirectURL != "" {
		return a.DirectURL, false
	}
	return "", false
}

func (a Attachment) key() string {
	if a.FileID != "" {
		return "id:" + a.FileID
	}
	return "url:" + a.DirectURL
}

// DiscoverAttachments finds attachments in an unmodified page document.
func DiscoverAttachments(doc *goquery.Document) []Attachment {
	scripts := scriptTexts(doc)
	seen := make(map[string]struct{})
	var out []Attachment
	add := func(a Attachment) {
		if a.FileID == "" && a.DirectURL == "" {
			return
		}
		if _, dup := seen[a.key()]; dup {
			return
		}
		seen[a.key()] = struct{}{}
		out = append(out, a)
	}

	extract.FilterClass(doc.Find("div"), "attachment-card").Each(func(_ int, card *goquery.Selection) {
		name := cardName(card)
		if name == "" {
			return
		}
		add(Attachment{
			Name:      name,
			FileID:    cardFileID(card, name, scripts),
			DirectURL: fileLink(card),
		})
	})

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, h *goquery.Selection) {
		if !strings.Contains(strings.ToLower(h.Text()), "attachment") {
			return
		}
		parent := h.Parent()
		if extract.FilterClass(parent.Find("div"), "attachment-container").Length() > 0 {
			return
		}
		parent.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			if isFileURL(href) {
				add(Attachment{DirectURL: href})
			}
		})
	})
	return out
}

func cardName(card *goquery.Selection) string {
	if el := extract.FilterClass(card.Find("span"), "attachment-name").First(); el.Length() > 0 {
		return strings.TrimSpace(el.Text())
	}
	named := card.Find("span, div, a").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return extract.ClassContains(s, "name") || extract.ClassContains(s, "title")
	}).First()
	if named.Length() > 0 {
		return strings.TrimSpace(named.Text())
	}
	return filenamePattern.FindString(card.Text())
}

func cardFileID(card *goquery.Selection, name string, scripts []string) string {
	if v, ok := card.Find("a[data-uniquefileid]").First().Attr("data-uniquefileid"); ok && v != "" {
		return v
	}
	if v := dataFileID(card); v != "" {
		return v
	}
	var id string
	extract.FilterClass(card.Find("a"), "download").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		id = dataFileID(a)
		return id == ""
	})
	if id != "" {
		return id
	}
	if id = onclickFileID(card); id != "" {
		return id
	}
	return scriptFileID(name, scripts)
}

// dataFileID returns the first data-* attribute that looks like a file identifier.
func dataFileID(s *goquery.Selection) string {
	if len(s.Nodes) == 0 {
		return ""
	}
	for _, a := range s.Nodes[0].Attr {
		key := strings.ToLower(a.Key)
		if !strings.HasPrefix(key, "data-") || len(a.Val) <= 8 {
			continue
		}
		if strings.Contains(key, "file") || strings.Contains(key, "id") {
			return a.Val
		}
	}
	return ""
}

func onclickFileID(card *goquery.Selection) string {
	handlers := card.Find("[onclick]")
	if handlers.Length() == 0 {
		handlers = card.Filter("[onclick]")
	}
	var id string
	handlers.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		onclick, _ := s.Attr("onclick")
		if m := onclickCallPattern.FindStringSubmatch(onclick); m != nil {
			id = m[1]
			return false
		}
		id = firstSubmatch(onclickIDPatterns, onclick)
		return id == ""
	})
	return id
}

func scriptFileID(name string, scripts []string) string {
	if name == "" {
		return ""
	}
	quoted := regexp.QuoteMeta(name)
	forward := regexp.MustCompile(`(?i)["']` + quoted + `["'][^}]*["']id["']\s*:\s*["']([^"']+)["']`)
	reverse := regexp.MustCompile(`(?i)["']id["']\s*:\s*["']([^"']+)["'][^}]*["']` + quoted + `["']`)
	for _, text := range scripts {
		if !strings.Contains(text, name) {
			continue
		}
		if m := forward.FindStringSubmatch(text); m != nil {
			return m[1]
		}
		if m := reverse.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

func fileLink(card *goquery.Selection) string {
	var link string
	card.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if isFileURL(href) {
			link = href
			return false
		}
		return true
	})
	return link
}

func isFileURL(href string) bool {
	if !isHTTP(href) {
		return false
	}
	return fileURLPattern.MatchString(href)
}

// extensionOf returns the first known file extension in rawURL, or "bin".
func extensionOf(rawURL string) string {
	if m := fileURLPattern.FindStringSubmatch(rawURL); m != nil {
		return strings.ToLower(m[1])
	}
	return "bin"
}

func scriptTexts(doc *goquery.Document) []string {
	var out []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if t := s.Text(); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func (a Attachment) String() string {
	return fmt.Sprintf("attachment{name=%q id=%q url=%q}", a.Name, a.FileID, a.DirectURL)
}
