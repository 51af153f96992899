package fetcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Placeholders substituted into the command template.
const (
	placeholderRef    = "{ref}"
	placeholderOutput = "{output}"
)

// CommandFetcher delegates downloads to an external helper such as gdown
// or yt-dlp.
type CommandFetcher struct {
	opts   Options
	logger *zap.Logger
}

// NewCommand returns a CommandFetcher. The template must reference {output}.
func NewCommand(opts Options, logger *zap.Logger) (*CommandFetcher, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("fetcher command is empty")
	}
	hasOutput := false
	for _, arg := range opts.Command {
		if strings.Contains(arg, placeholderOutput) {
			hasOutput = true
		}
	}
	if !hasOutput {
		return nil, errors.New("fetcher command must contain " + placeholderOutput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandFetcher{opts: opts, logger: logger.Named("fetcher")}, nil
}

// Acquire implements Fetcher.
func (f *CommandFetcher) Acquire(ctx context.Context, ref, destName string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fail(ref, "empty reference", nil)
	}
	if !validDestName(destName) {
		return "", fail(ref, "invalid destination name", nil)
	}
	if err := os.MkdirAll(f.opts.StorageDir, 0o755); err != nil {
		return "", fail(ref, "create storage dir", err)
	}
	dest := filepath.Join(f.opts.StorageDir, destName)
	partial := partialPath(f.opts.StorageDir, destName)

	argv := expandTemplate(f.opts.Command, ref, partial)
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out := &tailWriter{}
	cmd.Stdout = out
	cmd.Stderr = out

	f.logger.Debug("running download helper", zap.String("helper", argv[0]), zap.String("dest", destName))
	if err := cmd.Run(); err != nil {
		_ = os.Remove(partial)
		reason := "download helper failed"
		if last := out.Last(); last != "" {
			reason += ": " + last
		}
		return "", fail(ref, reason, err)
	}
	size, err := finalize(ref, partial, dest)
	if err != nil {
		return "", err
	}
	f.logger.Info("download complete", zap.String("path", dest), zap.String("size", humanize.Bytes(uint64(size))))
	return dest, nil
}

func expandTemplate(tmpl []string, ref, output string) []string {
	r := strings.NewReplacer(placeholderRef, ref, placeholderOutput, output)
	argv := make([]string, len(tmpl))
	for i, arg := range tmpl {
		argv[i] = r.Replace(arg)
	}
	return argv
}

// tailWriter remembers the last non-empty line written to it.
type tailWriter struct {
	mu      sync.Mutex
	pending []byte
	last    string
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexAny(w.pending, "\r\n")
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.pending[:i])); line != "" {
			w.last = line
		}
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) > 4096 {
		w.pending = w.pending[len(w.pending)-4096:]
	}
	return len(p), nil
}

// Last returns the most recent complete or trailing line.
func (w *tailWriter) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if line := strings.TrimSpace(string(w.pending)); line != "" {
		return line
	}
	return w.last
}
