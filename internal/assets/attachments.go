package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/hash/md5"
)

const firstChunkSize = 8192

var (
	errHTMLErrorPage = errors.New("response is an HTML error page")
	errEmptyFile     = errors.New("downloaded file is empty")
	errTooLarge      = errors.New("attachment exceeds size limit")
)

// Resolved is an attachment materialized on local storage.
type Resolved struct {
	Attachment
	// Endpoint is the URL the file was fetched from.
	Endpoint string
	ViaAPI   bool
	// LocalPath is the public path of the local copy.
	LocalPath string
}

// LocalizeAttachments discovers attachments in the unmodified page document,
// downloads them and rewrites body to link the local copies. Attachments that
// fail to download keep their remote reference.
func (l *Localizer) LocalizeAttachments(ctx context.Context, body string, id int, pageURL string, doc *goquery.Document) (string, []Resolved) {
	if body == "" || doc == nil {
		return body, nil
	}
	api := APIConfigFromScripts(doc)
	var resolved []Resolved
	for _, att := range DiscoverAttachments(doc) {
		endpoint, viaAPI := att.Endpoint(api)
		if endpoint == "" {
			l.logger.Debug("attachment has no download route", zap.Int("kb", id), zap.Stringer("attachment", att))
			continue
		}
		var (
			rel    string
			result string
			err    error
		)
		if viaAPI {
			rel, result, err = l.ensureAPIAttachment(ctx, id, pageURL, endpoint, att)
		} else {
			rel, result, err = l.ensureDirectAttachment(ctx, id, endpoint)
		}
		observe(KindAttachment, result)
		if err != nil {
			l.logger.Debug("attachment not localized", zap.Int("kb", id), zap.Stringer("attachment", att), zap.Error(err))
			continue
		}
		resolved = append(resolved, Resolved{
			Attachment: att,
			Endpoint:   endpoint,
			ViaAPI:     viaAPI,
			LocalPath:  l.PublicPath(rel),
		})
	}
	return RewriteAttachments(body, resolved), resolved
}

func attachmentDir(id int) string {
	return fmt.Sprintf("attachments/kb/%d", id)
}

// attachmentPrefix is the content address of an attachment: article id plus a
// digest of the remote identifier.
func attachmentPrefix(id int, remote string) string {
	return fmt.Sprintf("%d_%s", id, md5.Short(remote))
}

// AttachmentPath returns the store-relative path for an attachment file.
func AttachmentPath(id int, remote, name, ext string) string {
	prefix := attachmentPrefix(id, remote)
	if safe := SafeFilename(name); safe != "" {
		return path.Join(attachmentDir(id), prefix+"_"+safe)
	}
	return path.Join(attachmentDir(id), prefix+"."+ext)
}

func (l *Localizer) cached(ctx context.Context, id int, remote string) (string, bool, error) {
	return l.files.Find(ctx, attachmentDir(id), attachmentPrefix(id, remote))
}

func (l *Localizer) ensureAPIAttachment(ctx context.Context, id int, pageURL, endpoint string, att Attachment) (string, string, error) {
	if rel, ok, err := l.cached(ctx, id, att.FileID); err != nil {
		return "", "failed", err
	} else if ok {
		return rel, "cached", nil
	}
	rel := AttachmentPath(id, att.FileID, att.Name, "bin")
	if err := l.downloadViaAPI(ctx, endpoint, att.FileID, pageURL, rel); err != nil {
		return "", "failed", err
	}
	l.mirrorFile(ctx, rel, "application/octet-stream")
	return rel, "downloaded", nil
}

// downloadViaAPI posts the file id to the attachment service, retrying with
// escalating pauses and timeouts.
func (l *Localizer) downloadViaAPI(ctx context.Context, endpoint, fileID, referer, rel string) error {
	payload, err := json.Marshal(map[string]string{"uniqueFileId": fileID})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	form := url.Values{"data": {string(payload)}}.Encode()

	attempts := len(l.cfg.RetryDelays) + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := l.sleep(ctx, l.cfg.RetryDelays[attempt-1]); err != nil {
				return err
			}
		}
		timeout := l.cfg.AttachmentTimeout + l.cfg.AttachmentTimeoutStep*time.Duration(attempt)
		lastErr = l.postOnce(ctx, endpoint, form, referer, rel, timeout)
		if lastErr == nil {
			return nil
		}
		if rmErr := l.files.Remove(ctx, rel); rmErr != nil {
			l.logger.Warn("remove partial attachment failed", zap.String("path", rel), zap.Error(rmErr))
		}
		if errors.Is(lastErr, errTooLarge) || ctx.Err() != nil {
			return lastErr
		}
		l.logger.Debug("attachment attempt failed",
			zap.String("file_id", fileID),
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", attempts),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("attachment %s failed after %d attempts: %w", fileID, attempts, lastErr)
}

func (l *Localizer) postOnce(ctx context.Context, endpoint, form, referer, rel string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := l.newRequest(ctx, http.MethodPost, endpoint, strings.NewReader(form))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("post attachment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post attachment: status %d", resp.StatusCode)
	}
	return l.store(ctx, resp.Body, rel, true)
}

func (l *Localizer) ensureDirectAttachment(ctx context.Context, id int, rawURL string) (string, string, error) {
	if rel, ok, err := l.cached(ctx, id, rawURL); err != nil {
		return "", "failed", err
	} else if ok {
		return rel, "cached", nil
	}
	name := urlFilename(rawURL)
	if !strings.Contains(name, ".") {
		name = l.dispositionFilename(ctx, rawURL)
	}
	if !strings.Contains(name, ".") {
		name = ""
	}
	rel := AttachmentPath(id, rawURL, name, extensionOf(rawURL))
	if err := l.downloadDirect(ctx, rawURL, rel); err != nil {
		if rmErr := l.files.Remove(ctx, rel); rmErr != nil {
			l.logger.Warn("remove partial attachment failed", zap.String("path", rel), zap.Error(rmErr))
		}
		return "", "failed", err
	}
	l.mirrorFile(ctx, rel, mime.TypeByExtension(path.Ext(rel)))
	return rel, "downloaded", nil
}

func (l *Localizer) downloadDirect(ctx context.Context, rawURL, rel string) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.AttachmentTimeout)
	defer cancel()

	req, err := l.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("get attachment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get attachment: status %d", resp.StatusCode)
	}
	return l.store(ctx, resp.Body, rel, false)
}

// dispositionFilename asks the server for the attachment's filename.
func (l *Localizer) dispositionFilename(ctx context.Context, rawURL string) string {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.HeadTimeout)
	defer cancel()

	req, err := l.newRequest(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ""
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return ""
	}
	_ = resp.Body.Close()
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return path.Base(strings.Trim(params["filename"], `"'`))
}

func urlFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

// store streams body into rel, enforcing the size ceiling. When inspect is
// set, a first chunk that looks like an HTML error page is rejected before
// anything is written.
func (l *Localizer) store(ctx context.Context, body io.Reader, rel string, inspect bool) error {
	first := make([]byte, firstChunkSize)
	n, err := io.ReadFull(body, first)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read attachment: %w", err)
	}
	first = first[:n]
	if n == 0 {
		return errEmptyFile
	}
	if inspect && LooksLikeHTMLError(first) {
		return errHTMLErrorPage
	}

	w, err := l.files.Create(ctx, rel)
	if err != nil {
		return err
	}
	limit := l.cfg.MaxAttachmentBytes
	written, err := io.Copy(w, io.LimitReader(io.MultiReader(bytes.NewReader(first), body), limit+1))
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	if written > limit {
		return fmt.Errorf("%w: more than %d bytes", errTooLarge, limit)
	}
	return nil
}

// LooksLikeHTMLError reports whether the first chunk of a download is markup
// rather than file content.
func LooksLikeHTMLError(chunk []byte) bool {
	preview := chunk
	if len(preview) > 100 {
		preview = preview[:100]
	}
	lower := bytes.ToLower(preview)
	if bytes.Contains(preview, []byte("<!DOCTYPE")) || bytes.Contains(lower, []byte("<html")) {
		return true
	}
	head := lower
	if len(head) > 50 {
		head = head[:50]
	}
	return bytes.Contains(head, []byte("error")) && bytes.Contains(preview, []byte("<"))
}
