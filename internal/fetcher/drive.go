package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/voyagen/loopcaster/internal/config"
)

const (
	// maxInterstitialBytes caps how much of a textual response is read
	// while looking for the confirmation token.
	maxInterstitialBytes = 1 << 20
	previewLen           = 200
)

// HTTPFetcher downloads public Drive files (and plain http(s) URLs),
// resolving the large-file confirmation interstitial with one retry.
type HTTPFetcher struct {
	opts   Options
	logger *zap.Logger
}

// NewHTTP returns an HTTPFetcher.
func NewHTTP(opts Options, logger *zap.Logger) *HTTPFetcher {
	if opts.DownloadURL == "" {
		opts.DownloadURL = config.DefaultDownloadURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{opts: opts, logger: logger.Named("fetcher")}
}

// Acquire implements Fetcher.
func (f *HTTPFetcher) Acquire(ctx context.Context, ref, destName string) (string, error) {
	if !validDestName(destName) {
		return "", fail(ref, "invalid destination name", nil)
	}
	target, err := ResolveReference(ref, f.opts.DownloadURL)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(f.opts.StorageDir, 0o755); err != nil {
		return "", fail(ref, "create storage dir", err)
	}

	// A fresh jar per call keeps concurrent acquisitions' sessions apart.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", fail(ref, "cookie jar", err)
	}
	client := &http.Client{Jar: jar, Timeout: f.opts.Timeout}
	log := f.logger.With(zap.String("dest", destName), zap.String("file_id", target.FileID))

	resp, err := f.get(ctx, client, target.URL)
	if err != nil {
		return "", fail(ref, "request", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return "", fail(ref, err.Error(), nil)
	}

	if isTextual(resp) {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxInterstitialBytes))
		resp.Body.Close()
		if err != nil {
			return "", fail(ref, "read interstitial", err)
		}
		token, found := confirmToken(body)
		if !found {
			log.Warn("interstitial without confirm token, using default", zap.String("token", token))
		} else {
			log.Info("interstitial detected, retrying with confirm token")
		}
		retryURL, err := withConfirm(target.URL, token)
		if err != nil {
			return "", fail(ref, "build confirm url", err)
		}
		resp, err = f.get(ctx, client, retryURL)
		if err != nil {
			return "", fail(ref, "confirm request", err)
		}
		if err := checkStatus(resp); err != nil {
			resp.Body.Close()
			return "", fail(ref, err.Error(), nil)
		}
		if isTextual(resp) {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4*previewLen))
			resp.Body.Close()
			return "", &AcquisitionError{
				Ref:     ref,
				Reason:  "file is not publicly downloadable (interstitial persisted after confirmation)",
				Preview: preview(snippet),
			}
		}
	}
	defer resp.Body.Close()

	dest := filepath.Join(f.opts.StorageDir, destName)
	partial := partialPath(f.opts.StorageDir, destName)
	if err := writePartial(partial, resp.Body); err != nil {
		return "", fail(ref, "write", err)
	}
	size, err := finalize(ref, partial, dest)
	if err != nil {
		return "", err
	}
	log.Info("download complete", zap.String("path", dest), zap.String("size", humanize.Bytes(uint64(size))))
	return dest, nil
}

func (f *HTTPFetcher) get(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	return client.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func isTextual(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(ct), "text/")
	}
	return strings.HasPrefix(mt, "text/")
}

// writePartial streams r into path. path is removed if the copy fails.
func writePartial(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			return copyErr
		}
		return closeErr
	}
	return nil
}

// preview collapses whitespace and keeps at most previewLen printable runes.
func preview(b []byte) string {
	var sb strings.Builder
	space := false
	n := 0
	for _, r := range string(b) {
		if n >= previewLen {
			break
		}
		if unicode.IsSpace(r) {
			if !space && sb.Len() > 0 {
				sb.WriteByte(' ')
				n++
			}
			space = true
			continue
		}
		if !unicode.IsPrint(r) {
			continue
		}
		space = false
		sb.WriteRune(r)
		n++
	}
	return strings.TrimSpace(sb.String())
}
