package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const fileID = "1AbCdEfGhIjKlMnOp"

func newTestFetcher(t *testing.T, srv *httptest.Server) (*HTTPFetcher, string) {
	t.Helper()
	dir := t.TempDir()
	f := NewHTTP(Options{
		StorageDir:  dir,
		UserAgent:   "Loopcaster/test",
		Timeout:     10 * time.Second,
		DownloadURL: srv.URL + "/uc",
	}, nil)
	return f, dir
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAcquireDirectBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != fileID || r.URL.Query().Get("export") != "download" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if ua := r.Header.Get("User-Agent"); ua != "Loopcaster/test" {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("binary-video-bytes"))
	}))
	defer srv.Close()

	f, dir := newTestFetcher(t, srv)
	path, err := f.Acquire(context.Background(), "https://drive.google.com/file/d/"+fileID+"/view?usp=sharing", "video_1.mp4")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if path != filepath.Join(dir, "video_1.mp4") {
		t.Fatalf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "binary-video-bytes" {
		t.Fatalf("content = %q, err = %v", data, err)
	}
	if names := listDir(t, dir); len(names) != 1 {
		t.Fatalf("expected only the final file, got %v", names)
	}
}

func TestAcquireInterstitialWithToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		confirm := r.URL.Query().Get("confirm")
		if confirm == "" {
			http.SetCookie(w, &http.Cookie{Name: "download_warning", Value: "session-1", Path: "/"})
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><a href="/uc?export=download&amp;confirm=Xy_9-z&amp;id=` + fileID + `">Download anyway</a></html>`))
			return
		}
		if confirm != "Xy_9-z" {
			t.Errorf("confirm = %q", confirm)
		}
		c, err := r.Cookie("download_warning")
		if err != nil || c.Value != "session-1" {
			t.Errorf("session cookie not replayed: %v", err)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("large-file"))
	}))
	defer srv.Close()

	f, dir := newTestFetcher(t, srv)
	path, err := f.Acquire(context.Background(), fileID, "video_2.mp4")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d, want 2", n)
	}
	if data, _ := os.ReadFile(path); string(data) != "large-file" {
		t.Fatalf("content = %q", data)
	}
	if names := listDir(t, dir); len(names) != 1 {
		t.Fatalf("unexpected files %v", names)
	}
}

func TestAcquireInterstitialFallsBackToDefaultToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") == DefaultConfirmToken {
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>Google Drive can't scan this file for viruses.</html>"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv)
	if _, err := f.Acquire(context.Background(), fileID, "video_3.mp4"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestAcquireInterstitialPersists(t *testing.T) {
	page := "<html>\n<body>   Sorry, you can't view or download this file at this time. " + strings.Repeat("x", 500) + "</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	f, dir := newTestFetcher(t, srv)
	_, err := f.Acquire(context.Background(), fileID, "video_4.mp4")
	var aerr *AcquisitionError
	if !errors.As(err, &aerr) {
		t.Fatalf("err = %v, want *AcquisitionError", err)
	}
	if aerr.Preview == "" || len([]rune(aerr.Preview)) > previewLen {
		t.Fatalf("preview length = %d", len([]rune(aerr.Preview)))
	}
	if !strings.HasPrefix(aerr.Preview, "<html> <body> Sorry") {
		t.Fatalf("preview = %q", aerr.Preview)
	}
	if !strings.Contains(err.Error(), "Sorry") {
		t.Fatalf("error message lacks preview: %v", err)
	}
	if names := listDir(t, dir); len(names) != 0 {
		t.Fatalf("expected no files left behind, got %v", names)
	}
}

func TestAcquireFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}},
		{"empty body", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "video/mp4")
		}},
		{"truncated stream", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "video/mp4")
			w.Header().Set("Content-Length", "4096")
			_, _ = w.Write([]byte("partial"))
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			f, dir := newTestFetcher(t, srv)
			_, err := f.Acquire(context.Background(), fileID, "video.mp4")
			var aerr *AcquisitionError
			if !errors.As(err, &aerr) {
				t.Fatalf("err = %v, want *AcquisitionError", err)
			}
			if names := listDir(t, dir); len(names) != 0 {
				t.Fatalf("expected no files left behind, got %v", names)
			}
		})
	}
}

func TestAcquireRejectsBadInput(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f, _ := newTestFetcher(t, srv)

	for _, tc := range []struct{ ref, dest string }{
		{"", "video.mp4"},
		{"not a url", "video.mp4"},
		{"ftp://example.com/file", "video.mp4"},
		{fileID, "../escape.mp4"},
		{fileID, ""},
	} {
		_, err := f.Acquire(context.Background(), tc.ref, tc.dest)
		var aerr *AcquisitionError
		if !errors.As(err, &aerr) {
			t.Errorf("Acquire(%q, %q) err = %v, want *AcquisitionError", tc.ref, tc.dest, err)
		}
	}
}

func TestAcquireConcurrentIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if r.URL.Query().Get("confirm") == "" {
			http.SetCookie(w, &http.Cookie{Name: "warn", Value: id, Path: "/"})
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("confirm=tok" + id[len(id)-1:]))
			return
		}
		c, err := r.Cookie("warn")
		if err != nil || c.Value != id {
			http.Error(w, "cookie mismatch", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte(id))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv)
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fileID + string(rune('a'+i))
			_, errs[i] = f.Acquire(context.Background(), id, "video_"+string(rune('a'+i))+".mp4")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("acquisition %d: %v", i, err)
		}
	}
}

func TestResolveReference(t *testing.T) {
	const base = "https://drive.google.com/uc"
	tests := []struct {
		ref     string
		wantID  string
		wantURL string
		wantErr bool
	}{
		{ref: "https://drive.google.com/file/d/" + fileID + "/view?usp=sharing", wantID: fileID},
		{ref: "https://drive.google.com/open?id=" + fileID, wantID: fileID},
		{ref: "https://docs.google.com/uc?export=download&id=" + fileID, wantID: fileID},
		{ref: "  " + fileID + "  ", wantID: fileID},
		{ref: "https://cdn.example.com/video.mp4?id=123", wantURL: "https://cdn.example.com/video.mp4?id=123"},
		{ref: "short", wantErr: true},
		{ref: "", wantErr: true},
		{ref: "file:///etc/passwd", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ResolveReference(tt.ref, base)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveReference(%q) err = %v, wantErr %v", tt.ref, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if got.FileID != tt.wantID {
			t.Errorf("ResolveReference(%q).FileID = %q, want %q", tt.ref, got.FileID, tt.wantID)
		}
		if tt.wantID != "" {
			want := base + "?export=download&id=" + tt.wantID
			if got.URL != want {
				t.Errorf("ResolveReference(%q).URL = %q, want %q", tt.ref, got.URL, want)
			}
		} else if got.URL != tt.wantURL {
			t.Errorf("ResolveReference(%q).URL = %q, want %q", tt.ref, got.URL, tt.wantURL)
		}
	}
}

func TestConfirmToken(t *testing.T) {
	tests := []struct {
		body      string
		want      string
		wantFound bool
	}{
		{`href="/uc?export=download&confirm=AbC1&id=x"`, "AbC1", true},
		{`<input type="hidden" name="confirm" value="t">`, "t", true},
		{`<html>no token here</html>`, DefaultConfirmToken, false},
	}
	for _, tt := range tests {
		got, found := confirmToken([]byte(tt.body))
		if got != tt.want || found != tt.wantFound {
			t.Errorf("confirmToken(%q) = %q, %v; want %q, %v", tt.body, got, found, tt.want, tt.wantFound)
		}
	}
}
