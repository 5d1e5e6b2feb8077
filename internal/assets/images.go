package assets

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/hash/md5"
)

var imgSrcPattern = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)

var errTooSmall = errors.New("image below minimum size")

// ImagePath returns the store-relative path for an image of article id.
func ImagePath(id int, imageURL string) string {
	return fmt.Sprintf("images/kb/%d/%d_%s.jpg", id, id, md5.Short(imageURL))
}

// LocalizeImages downloads absolute image references in body and points them
// at local copies. The mapping is keyed by the reference as it appears in body.
// Images already on disk are mapped without a request.
func (l *Localizer) LocalizeImages(ctx context.Context, body string, id int) (string, map[string]string) {
	mapping := make(map[string]string)
	for _, m := range imgSrcPattern.FindAllStringSubmatch(body, -1) {
		ref := m[1]
		if _, done := mapping[ref]; done {
			continue
		}
		src := html.UnescapeString(ref)
		if !isHTTP(src) {
			continue
		}
		rel := ImagePath(id, src)
		result, err := l.ensureImage(ctx, src, rel)
		observe(KindImage, result)
		if err != nil {
			l.logger.Debug("image not localized", zap.Int("kb", id), zap.String("url", src), zap.Error(err))
			continue
		}
		mapping[ref] = l.PublicPath(rel)
	}
	return replaceAll(body, mapping), mapping
}

func (l *Localizer) ensureImage(ctx context.Context, src, rel string) (string, error) {
	ok, err := l.files.Exists(ctx, rel)
	if err != nil {
		return "failed", err
	}
	if ok {
		return "cached", nil
	}
	if err := l.downloadImage(ctx, src, rel); err != nil {
		if rmErr := l.files.Remove(ctx, rel); rmErr != nil {
			l.logger.Warn("remove partial image failed", zap.String("path", rel), zap.Error(rmErr))
		}
		return "failed", err
	}
	l.mirrorFile(ctx, rel, "image/jpeg")
	return "downloaded", nil
}

func (l *Localizer) downloadImage(ctx context.Context, src, rel string) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ImageTimeout)
	defer cancel()

	req, err := l.newRequest(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("get image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get image: status %d", resp.StatusCode)
	}

	w, err := l.files.Create(ctx, rel)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, resp.Body)
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	if n <= l.cfg.MinImageBytes {
		return fmt.Errorf("%w: %d bytes", errTooSmall, n)
	}
	return nil
}

// replaceAll substitutes every mapping key in body, longest key first.
func replaceAll(body string, mapping map[string]string) string {
	if len(mapping) == 0 {
		return body
	}
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		body = strings.ReplaceAll(body, k, mapping[k])
	}
	return body
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
