package stage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStageUploadDeliversPayload(t *testing.T) {
	slot := NewUploadSlot()
	slot.Deliver("clip.mp4", []byte("hello video"))

	s := New()
	dir := t.TempDir()
	path, err := s.Stage(context.Background(), Descriptor{Kind: KindUpload}, dir, 1024, slot, time.Second, nil)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello video" {
		t.Errorf("content = %q", data)
	}
}

func TestStageUploadTimesOutWithoutDelivery(t *testing.T) {
	slot := NewUploadSlot()
	s := New()
	_, err := s.Stage(context.Background(), Descriptor{Kind: KindUpload}, t.TempDir(), 1024, slot, 20*time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var stageErr *Error
	if !asError(err, &stageErr) || stageErr.Reason != ReasonUploadMissing {
		t.Errorf("expected upload_missing reason, got %v", err)
	}
}

func TestStageUploadRejectsOversizedPayload(t *testing.T) {
	slot := NewUploadSlot()
	slot.Deliver("big.mp4", make([]byte, 100))

	s := New()
	_, err := s.Stage(context.Background(), Descriptor{Kind: KindUpload}, t.TempDir(), 10, slot, time.Second, nil)
	var stageErr *Error
	if !asError(err, &stageErr) || stageErr.Reason != ReasonSizeExceeded {
		t.Errorf("expected size_exceeded reason, got %v", err)
	}
}

func TestStageURLRejectsDisallowedScheme(t *testing.T) {
	s := New()
	_, err := s.Stage(context.Background(), Descriptor{Kind: KindURL, URL: "ftp://example.com/in.mp4"}, t.TempDir(), 1024, nil, time.Second, nil)
	var stageErr *Error
	if !asError(err, &stageErr) || stageErr.Reason != ReasonSchemeNotAllowed {
		t.Errorf("expected scheme_not_allowed reason, got %v", err)
	}
}

func TestStageURLDownloadsFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	s := New()
	dir := t.TempDir()
	path, err := s.Stage(context.Background(), Descriptor{Kind: KindURL, URL: srv.URL + "/clip.mp4"}, dir, 1024, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "video-bytes" {
		t.Errorf("content = %q", data)
	}
	if filepath.Base(path) != "clip.mp4" {
		t.Errorf("path = %q, want basename clip.mp4", path)
	}
}

func TestStageURLReportsProgressWithinBand(t *testing.T) {
	body := make([]byte, 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	s := New()
	var mu sync.Mutex
	var percents []float64
	onProgress := func(percent float64) {
		mu.Lock()
		defer mu.Unlock()
		percents = append(percents, percent)
	}

	_, err := s.Stage(context.Background(), Descriptor{Kind: KindURL, URL: srv.URL + "/clip.mp4"}, t.TempDir(), 2000, nil, time.Second, onProgress)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(percents) == 0 {
		t.Fatal("expected at least one progress report")
	}
	for _, p := range percents {
		if p < 0 || p > 5 {
			t.Errorf("progress %v outside the 0-5 band", p)
		}
	}
	if percents[len(percents)-1] != 5 {
		t.Errorf("final progress = %v, want 5 (download complete)", percents[len(percents)-1])
	}
}

func TestStageURLRejectsOversizedDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	s := New()
	_, err := s.Stage(context.Background(), Descriptor{Kind: KindURL, URL: srv.URL}, t.TempDir(), 10, nil, time.Second, nil)
	var stageErr *Error
	if !asError(err, &stageErr) || stageErr.Reason != ReasonSizeExceeded {
		t.Errorf("expected size_exceeded reason, got %v", err)
	}
}

func TestSanitizeBasenameStripsPathAndDots(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "passwd",
		"..hidden":         "hidden",
		"clip.mp4":         "clip.mp4",
		"":                 "input",
	}
	for in, want := range cases {
		if got := sanitizeBasename(in); got != want {
			t.Errorf("sanitizeBasename(%q) = %q, want %q", in, got, want)
		}
	}
}

func asError(err error, target **Error) bool {
	return errors.As(err, target)
}
