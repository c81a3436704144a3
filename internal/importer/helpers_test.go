package importer

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/tsimport/internal/client"
	"github.com/raphaelgruber/tsimport/internal/retry"
)

// upload is one request received by the fake Timesketch server.
type upload struct {
	Path   string
	Fields map[string]string
	File   []byte
}

func (u upload) events() []string {
	if u.Fields["events"] == "" {
		return nil
	}
	return strings.Split(u.Fields["events"], "\n")
}

type fakeTimesketch struct {
	mu      sync.Mutex
	uploads []upload
	polls   int
	// reject makes the n-th upload (0-based) fail with status.
	reject map[int]int
	// noTimeline acknowledges uploads without a timeline object.
	noTimeline bool
	srv        *httptest.Server
}

func newFakeTimesketch(t *testing.T) *fakeTimesketch {
	t.Helper()
	ft := &fakeTimesketch{reject: map[int]int{}}
	ft.srv = httptest.NewServer(http.HandlerFunc(ft.handle))
	t.Cleanup(ft.srv.Close)
	return ft
}

func (ft *fakeTimesketch) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/timelines/") {
		ft.mu.Lock()
		ft.polls++
		status := "processing"
		if ft.polls > 1 {
			status = "ready"
		}
		ft.mu.Unlock()
		_, _ = io.WriteString(w, `{"objects":[{"id":42,"name":"tl","status":[{"status":"`+status+`"}]}]}`)
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u := upload{Path: r.URL.Path, Fields: map[string]string{}}
	for k, v := range r.MultipartForm.Value {
		u.Fields[k] = v[0]
	}
	if files := r.MultipartForm.File["file"]; len(files) > 0 {
		if f, err := files[0].Open(); err == nil {
			u.File, _ = io.ReadAll(f)
			f.Close()
		}
	}

	ft.mu.Lock()
	n := len(ft.uploads)
	ft.uploads = append(ft.uploads, u)
	status, rejected := ft.reject[n]
	ft.mu.Unlock()

	if rejected {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"message":"rejected"}`)
		return
	}
	if ft.noTimeline {
		_, _ = io.WriteString(w, `{"objects":[]}`)
		return
	}
	_, _ = io.WriteString(w, `{"objects":[{"id":42,"name":"tl","searchindex":{"index_name":"srv-index"},"status":[{"status":"processing"}]}]}`)
}

func (ft *fakeTimesketch) received() []upload {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]upload(nil), ft.uploads...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStreamer(t *testing.T, ft *fakeTimesketch, opts Options) *Streamer {
	t.Helper()
	c := client.New(client.Options{
		BaseURL: ft.srv.URL,
		Retry:   retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:  quietLogger(),
	})
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	s := New(c, opts)
	require.Equal(t, StateInit, s.State())
	s.SetSketch(1)
	s.SetTimelineName("test timeline")
	return s
}
