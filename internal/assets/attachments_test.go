package assets

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dankin/vmware-kb/internal/hash/md5"
)

const apiCard = `<div class="attachment-card"><span class="attachment-name">log.zip</span>` +
	`<a class="attachment-download" data-uniquefileid="abc123" onclick="downloadAttachment(&#39;abc123&#39;)">` +
	`<span class="material-icons">download</span></a></div>`

func apiPage(apiDomain string) string {
	return `<html><head><script>var apiDomain = "` + apiDomain + `";</script></head><body>` +
		`<div class="attachment-container">` + apiCard + `</div></body></html>`
}

func TestAttachmentPath(t *testing.T) {
	t.Parallel()

	h := md5.Short("abc123")
	assert.Equal(t, "attachments/kb/5/5_"+h+"_log.zip", AttachmentPath(5, "abc123", "log.zip", "bin"))
	assert.Equal(t, "attachments/kb/5/5_"+h+"_my_file.pdf", AttachmentPath(5, "abc123", "my file.pdf", "bin"))
	assert.Equal(t, "attachments/kb/5/5_"+h+".pdf", AttachmentPath(5, "abc123", "", "pdf"))
}

func TestLocalizeAttachmentsViaAPI(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("PK\x03\x04zipdata"), 1000)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/es/attachments/download_attachment", r.URL.Path)
		assert.Equal(t, "abc123", r.URL.Query().Get("fileId"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "https://kb.example.com/article/5", r.Referer())
		assert.Equal(t, `{"uniqueFileId":"abc123"}`, r.FormValue("data"))
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	l, store, rec := newTestLocalizer(t)
	doc := mustDoc(t, apiPage(srv.URL))
	ctx := context.Background()

	out, resolved := l.LocalizeAttachments(ctx, apiCard, 5, "https://kb.example.com/article/5", doc)

	rel := AttachmentPath(5, "abc123", "log.zip", "bin")
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].ViaAPI)
	assert.Equal(t, "/static/"+rel, resolved[0].LocalPath)
	assert.Equal(t, srv.URL+"/es/attachments/download_attachment?fileId=abc123", resolved[0].Endpoint)
	assert.Equal(t,
		`<a href="/static/`+rel+`" download="log.zip" class="attachment-card">log.zip</a>`, out)
	assert.Empty(t, rec.recorded())

	r, err := store.Open(ctx, rel)
	require.NoError(t, err)
	var got bytes.Buffer
	_, err = got.ReadFrom(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, payload, got.Bytes())

	again, resolvedAgain := l.LocalizeAttachments(ctx, apiCard, 5, "https://kb.example.com/article/5", doc)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, out, again)
	assert.Equal(t, resolved, resolvedAgain)
}

func TestLocalizeAttachmentsHTMLErrorExhaustsRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = fmt.Fprint(w, "<!DOCTYPE html><html><body>Session expired</body></html>")
	}))
	t.Cleanup(srv.Close)

	l, store, rec := newTestLocalizer(t)
	doc := mustDoc(t, apiPage(srv.URL))

	out, resolved := l.LocalizeAttachments(context.Background(), apiCard, 5, "", doc)

	assert.Empty(t, resolved)
	assert.Equal(t, apiCard, out)
	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second}, rec.recorded())

	_, found, err := store.Find(context.Background(), attachmentDir(5), attachmentPrefix(5, "abc123"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLocalizeAttachmentsRecoversAfterRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("binary-content"))
	}))
	t.Cleanup(srv.Close)

	l, _, rec := newTestLocalizer(t)
	doc := mustDoc(t, apiPage(srv.URL))

	_, resolved := l.LocalizeAttachments(context.Background(), apiCard, 5, "", doc)

	require.Len(t, resolved, 1)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, rec.recorded())
}

func TestLocalizeAttachmentsAttemptsOneMoreThanDelays(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	l, _, rec := newTestLocalizer(t)
	l.cfg.RetryDelays = []time.Duration{time.Second}
	doc := mustDoc(t, apiPage(srv.URL))

	_, resolved := l.LocalizeAttachments(context.Background(), apiCard, 5, "", doc)

	assert.Empty(t, resolved)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []time.Duration{time.Second}, rec.recorded())
	assert.Len(t, DefaultRetryDelays, 4)
}

func TestLocalizeAttachmentsTooLargeStopsImmediately(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(bytes.Repeat([]byte("z"), 4096))
	}))
	t.Cleanup(srv.Close)

	l, store, rec := newTestLocalizer(t)
	l.cfg.MaxAttachmentBytes = 1024
	doc := mustDoc(t, apiPage(srv.URL))

	_, resolved := l.LocalizeAttachments(context.Background(), apiCard, 5, "", doc)

	assert.Empty(t, resolved)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, rec.recorded())
	ok, err := store.Exists(context.Background(), AttachmentPath(5, "abc123", "log.zip", "bin"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalizeAttachmentsDirectWithDisposition(t *testing.T) {
	t.Parallel()

	var heads, gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="VMware Guide.pdf"`)
		if r.Method == http.MethodHead {
			heads.Add(1)
			return
		}
		gets.Add(1)
		_, _ = w.Write([]byte("%PDF-1.7 body"))
	}))
	t.Cleanup(srv.Close)

	link := srv.URL + "/files/manual.pdf/download"
	body := `<div><h3>Attachments</h3><p><a href="` + link + `">Guide</a></p></div>`
	doc := mustDoc(t, `<html><body>`+body+`</body></html>`)
	l, store, _ := newTestLocalizer(t)

	out, resolved := l.LocalizeAttachments(context.Background(), body, 11, "", doc)

	rel := AttachmentPath(11, link, "VMware Guide.pdf", "pdf")
	assert.True(t, strings.HasSuffix(rel, "_VMware_Guide.pdf"))
	require.Len(t, resolved, 1)
	assert.False(t, resolved[0].ViaAPI)
	assert.Equal(t, "/static/"+rel, resolved[0].LocalPath)
	assert.Contains(t, out, `href="/static/`+rel+`"`)
	assert.Equal(t, int32(1), heads.Load())
	assert.Equal(t, int32(1), gets.Load())

	ok, err := store.Exists(context.Background(), rel)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalizeAttachmentsSkipsUnroutable(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLocalizer(t)
	doc := mustDoc(t, `<html><body>`+apiCard+`</body></html>`)

	out, resolved := l.LocalizeAttachments(context.Background(), apiCard, 5, "", doc)
	assert.Empty(t, resolved)
	assert.Equal(t, apiCard, out)
}

func TestStoreRejectsEmpty(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLocalizer(t)
	err := l.store(context.Background(), strings.NewReader(""), "attachments/kb/1/empty.bin", true)
	require.ErrorIs(t, err, errEmptyFile)
}

func TestLooksLikeHTMLError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chunk string
		want  bool
	}{
		{name: "doctype", chunk: "<!DOCTYPE html><html>", want: true},
		{name: "html tag", chunk: "\n  <HTML><body>", want: true},
		{name: "error markup", chunk: "<p>Error: file not found</p>", want: true},
		{name: "error text without markup", chunk: "error log line 1\nline 2", want: false},
		{name: "zip", chunk: "PK\x03\x04\x14\x00", want: false},
		{name: "late html", chunk: strings.Repeat("x", 120) + "<html>", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, LooksLikeHTMLError([]byte(tc.chunk)))
		})
	}
}
