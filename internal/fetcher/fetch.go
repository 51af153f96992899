package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyagen/loopcaster/internal/config"
)

// Fetcher acquires a remote video into local storage.
type Fetcher interface {
	// Acquire downloads ref and stores it as destName inside the storage
	// directory, returning the final path. Unrecoverable failures are
	// returned as *AcquisitionError.
	Acquire(ctx context.Context, ref, destName string) (string, error)
}

// AcquisitionError reports a download that failed after every retry.
type AcquisitionError struct {
	Ref     string
	Reason  string
	Preview string
	Err     error
}

func (e *AcquisitionError) Error() string {
	var b strings.Builder
	b.WriteString("download failed: ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Preview != "" {
		fmt.Fprintf(&b, " (response: %q)", e.Preview)
	}
	return b.String()
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

func fail(ref, reason string, err error) *AcquisitionError {
	return &AcquisitionError{Ref: ref, Reason: reason, Err: err}
}

// Options configures both fetcher implementations.
type Options struct {
	StorageDir  string
	UserAgent   string
	Timeout     time.Duration
	DownloadURL string
	Command     []string
}

// New returns the fetcher selected by cfg.FetcherMode.
func New(cfg *config.Config, logger *zap.Logger) (Fetcher, error) {
	opts := Options{
		StorageDir:  cfg.StorageDir,
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.Timeout,
		DownloadURL: cfg.DownloadURL,
		Command:     cfg.FetcherCommand,
	}
	switch cfg.FetcherMode {
	case config.FetcherHTTP, "":
		return NewHTTP(opts, logger), nil
	case config.FetcherCommand:
		return NewCommand(opts, logger)
	}
	return nil, fmt.Errorf("unknown fetcher mode %q", cfg.FetcherMode)
}

// partialPath returns a collision-free temporary path for destName.
func partialPath(dir, destName string) string {
	return filepath.Join(dir, destName+"."+uuid.NewString()+".part")
}

// finalize checks that partial is non-empty and renames it to dest.
// partial is removed on any failure.
func finalize(ref, partial, dest string) (int64, error) {
	fi, err := os.Stat(partial)
	if err != nil {
		_ = os.Remove(partial)
		return 0, fail(ref, "downloaded file missing", err)
	}
	if !fi.Mode().IsRegular() || fi.Size() == 0 {
		_ = os.Remove(partial)
		return 0, fail(ref, "downloaded file is empty", nil)
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return 0, fail(ref, "move into place", err)
	}
	return fi.Size(), nil
}

func validDestName(destName string) bool {
	return destName != "" && destName == filepath.Base(destName) && destName != "." && destName != ".."
}
