// Package assets materializes article images and attachments on local storage
// and rewrites article markup to reference the local copies.
package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/metrics"
	"github.com/Dankin/vmware-kb/internal/policy/ratelimit"
)

// Asset kinds, used in paths and metric labels.
const (
	KindImage      = "image"
	KindAttachment = "attachment"
)

// Defaults applied by DefaultConfig.
const (
	DefaultPublicPrefix          = "/static"
	DefaultImageTimeout          = 5 * time.Second
	DefaultMinImageBytes         = 100
	DefaultAttachmentTimeout     = 30 * time.Second
	DefaultAttachmentTimeoutStep = 10 * time.Second
	DefaultHeadTimeout           = 5 * time.Second
	DefaultMaxAttachmentBytes    = 100 * 1024 * 1024
)

// DefaultRetryDelays are the pauses before attachment API retries 2 through 5.
// The attempt count is one more than the number of delays.
var DefaultRetryDelays = []time.Duration{
	2 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second,
}

// FileStore persists asset files under slash-separated relative paths.
type FileStore interface {
	Exists(ctx context.Context, path string) (bool, error)
	Find(ctx context.Context, dir, prefix string) (string, bool, error)
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, path string) error
}

// Mirror receives a copy of every newly downloaded asset.
type Mirror interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config tunes download behavior.
type Config struct {
	PublicPrefix          string
	UserAgent             string
	ImageTimeout          time.Duration
	MinImageBytes         int64
	AttachmentTimeout     time.Duration
	AttachmentTimeoutStep time.Duration
	HeadTimeout           time.Duration
	RetryDelays           []time.Duration
	MaxAttachmentBytes    int64
}

// DefaultConfig returns the standard download settings.
func DefaultConfig() Config {
	return Config{
		PublicPrefix:          DefaultPublicPrefix,
		ImageTimeout:          DefaultImageTimeout,
		MinImageBytes:         DefaultMinImageBytes,
		AttachmentTimeout:     DefaultAttachmentTimeout,
		AttachmentTimeoutStep: DefaultAttachmentTimeoutStep,
		HeadTimeout:           DefaultHeadTimeout,
		RetryDelays:           append([]time.Duration(nil), DefaultRetryDelays...),
		MaxAttachmentBytes:    DefaultMaxAttachmentBytes,
	}
}

// Localizer downloads assets for one worker. It reuses the worker's transport.
type Localizer struct {
	cfg    Config
	client *http.Client
	files  FileStore
	mirror Mirror
	sleep  SleepFunc
	logger *zap.Logger
}

// Option customizes a Localizer.
type Option func(*Localizer)

// WithMirror copies downloaded assets to m.
func WithMirror(m Mirror) Option {
	return func(l *Localizer) {
		l.mirror = m
	}
}

// WithSleep replaces the pause used between attachment retries.
func WithSleep(fn SleepFunc) Option {
	return func(l *Localizer) {
		if fn != nil {
			l.sleep = fn
		}
	}
}

// New builds a Localizer. A nil transport uses http.DefaultTransport.
func New(cfg Config, transport http.RoundTripper, files FileStore, logger *zap.Logger, opts ...Option) *Localizer {
	def := DefaultConfig()
	if cfg.PublicPrefix == "" {
		cfg.PublicPrefix = def.PublicPrefix
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = def.ImageTimeout
	}
	if cfg.MinImageBytes <= 0 {
		cfg.MinImageBytes = def.MinImageBytes
	}
	if cfg.AttachmentTimeout <= 0 {
		cfg.AttachmentTimeout = def.AttachmentTimeout
	}
	if cfg.AttachmentTimeoutStep < 0 {
		cfg.AttachmentTimeoutStep = 0
	}
	if cfg.HeadTimeout <= 0 {
		cfg.HeadTimeout = def.HeadTimeout
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = def.RetryDelays
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = def.MaxAttachmentBytes
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Localizer{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		files:  files,
		sleep:  ratelimit.Sleep,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PublicPath maps a store-relative path to the URL path the read side serves.
func (l *Localizer) PublicPath(rel string) string {
	return path.Join(l.cfg.PublicPrefix, rel)
}

func (l *Localizer) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if l.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", l.cfg.UserAgent)
	}
	return req, nil
}

// mirrorFile copies a stored file to the mirror, logging failures.
func (l *Localizer) mirrorFile(ctx context.Context, rel, contentType string) {
	if l.mirror == nil {
		return
	}
	r, err := l.files.Open(ctx, rel)
	if err != nil {
		l.logger.Warn("mirror open failed", zap.String("path", rel), zap.Error(err))
		return
	}
	defer func() { _ = r.Close() }()
	if _, err := l.mirror.PutObject(ctx, rel, contentType, r); err != nil {
		l.logger.Warn("mirror upload failed", zap.String("path", rel), zap.Error(err))
	}
}

func observe(kind, result string) {
	metrics.ObserveAsset(kind, result)
}

var unsafeNameChars = regexp.MustCompile(`[^\p{L}\p{N}_\-.]`)

// SafeFilename replaces characters outside letters, digits, "_", "-" and "." with "_".
func SafeFilename(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}
