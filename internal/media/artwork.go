package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/h2non/filetype"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	DefaultArtworkMaxBytes    = 8 << 20
	DefaultArtworkHTTPTimeout = 10 * time.Second
	DefaultArtworkHTTPRetries = 3
)

var errArtworkTooLarge = errors.New("artwork exceeds size limit")

// ArtworkLoader reads artwork streams into memory
type ArtworkLoader struct {
	MaxBytes int64
}

// NewArtworkLoader creates a loader that rejects artwork larger than maxBytes.
// A non-positive maxBytes selects DefaultArtworkMaxBytes.
func NewArtworkLoader(maxBytes int64) *ArtworkLoader {
	if maxBytes <= 0 {
		maxBytes = DefaultArtworkMaxBytes
	}
	return &ArtworkLoader{MaxBytes: maxBytes}
}

// Load reads src fully and sniffs its MIME type
func (l *ArtworkLoader) Load(ctx context.Context, src ThumbnailSource) ([]byte, string, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open artwork: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, l.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read artwork: %w", err)
	}
	if int64(len(data)) > l.MaxBytes {
		return nil, "", errArtworkTooLarge
	}
	if len(data) == 0 {
		return nil, "", nil
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return data, "", nil
	}
	return data, kind.MIME.Value, nil
}

// URLResolver turns artwork URLs reported by media sessions into thumbnail sources
type URLResolver struct {
	client *retryablehttp.Client
}

// NewURLResolver creates a resolver fetching http(s) artwork with the given
// timeout and retry count
func NewURLResolver(timeout time.Duration, retries int, logger *zap.SugaredLogger) *URLResolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = DefaultArtworkHTTPTimeout
	}
	if retries < 0 {
		retries = DefaultArtworkHTTPRetries
	}

	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.HTTPClient.Timeout = timeout
	client.Logger = retryLogger{logger.Named("artwork")}
	return &URLResolver{client: client}
}

// Source returns a ThumbnailSource for rawURL, or nil if there is nothing to fetch
func (r *URLResolver) Source(rawURL string) ThumbnailSource {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}

	switch u.Scheme {
	case "file":
		path := u.Path
		return ThumbnailFunc(func(ctx context.Context) (io.ReadCloser, error) {
			return os.Open(path)
		})
	case "http", "https":
		return ThumbnailFunc(func(ctx context.Context) (io.ReadCloser, error) {
			return r.fetch(ctx, rawURL)
		})
	}
	return nil
}

func (r *URLResolver) fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("artwork request returned %s", resp.Status)
	}
	return resp.Body, nil
}

// retryLogger adapts zap to retryablehttp.LeveledLogger
type retryLogger struct {
	l *zap.SugaredLogger
}

func (r retryLogger) Error(msg string, keysAndValues ...interface{}) {
	r.l.Warnw(msg, keysAndValues...)
}

func (r retryLogger) Info(msg string, keysAndValues ...interface{}) {
	r.l.Debugw(msg, keysAndValues...)
}

func (r retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	r.l.Debugw(msg, keysAndValues...)
}

func (r retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	r.l.Warnw(msg, keysAndValues...)
}
