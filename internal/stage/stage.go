// Package stage is the Input Stager: it resolves a job's input
// descriptor ({upload} or {url}) to a local file under the job's work
// directory.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oceanline/mediaforge/internal/logger"
)

// Kind is the closed set of input descriptor variants.
type Kind string

const (
	KindUpload Kind = "upload"
	KindURL    Kind = "url"
)

// Descriptor names where a job's input comes from.
type Descriptor struct {
	Kind Kind
	URL  string // set when Kind == KindURL
}

// FailureReason is the closed taxonomy of staging failures.
type FailureReason string

const (
	ReasonSizeExceeded     FailureReason = "size_exceeded"
	ReasonNetworkError     FailureReason = "network_error"
	ReasonUploadMissing    FailureReason = "upload_missing"
	ReasonSchemeNotAllowed FailureReason = "scheme_not_allowed"
)

// Error wraps a staging failure with its taxonomy reason.
type Error struct {
	Reason FailureReason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("stage: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// UploadSlot is the single-slot rendezvous a session uses to hand a
// binary upload frame to the worker staging it, correlated by job ID.
type UploadSlot struct {
	ch chan uploadPayload
}

type uploadPayload struct {
	filename string
	data     []byte
}

func NewUploadSlot() *UploadSlot {
	return &UploadSlot{ch: make(chan uploadPayload, 1)}
}

// Deliver is called by the session when the client's binary frame
// arrives. It never blocks past the channel's single buffer slot.
func (s *UploadSlot) Deliver(filename string, data []byte) {
	select {
	case s.ch <- uploadPayload{filename: filename, data: data}:
	default:
		// A slot can only be filled once; a second delivery is ignored.
	}
}

// Stager resolves input descriptors to local files.
type Stager struct {
	HTTPClient *http.Client
}

func New() *Stager {
	return &Stager{HTTPClient: &http.Client{}}
}

// ProgressFunc is called with a percentage in [0, 5] as a KindURL
// input streams in. Staging is a small, fixed slice of a job's overall
// progress budget, so it never reports past the band's top edge; an
// upload-sourced job has nothing to stream and never calls it.
type ProgressFunc func(percent float64)

// Stage resolves descriptor to a local path under workDir, bounded by
// maxBytes. uploadSlot is required (and only consulted) for
// KindUpload; waitTimeout bounds how long it waits for the client to
// deliver the binary frame. onProgress, if non-nil, is reported the
// 0-5% download band for KindURL only.
func (s *Stager) Stage(ctx context.Context, descriptor Descriptor, workDir string, maxBytes int64, uploadSlot *UploadSlot, waitTimeout time.Duration, onProgress ProgressFunc) (string, error) {
	switch descriptor.Kind {
	case KindUpload:
		return s.stageUpload(ctx, workDir, maxBytes, uploadSlot, waitTimeout)
	case KindURL:
		return s.stageURL(ctx, descriptor.URL, workDir, maxBytes, onProgress)
	default:
		return "", &Error{Reason: ReasonSchemeNotAllowed, Err: fmt.Errorf("unknown input kind %q", descriptor.Kind)}
	}
}

func (s *Stager) stageUpload(ctx context.Context, workDir string, maxBytes int64, slot *UploadSlot, waitTimeout time.Duration) (string, error) {
	if slot == nil {
		return "", &Error{Reason: ReasonUploadMissing, Err: errors.New("no upload slot registered for this job")}
	}

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	select {
	case payload := <-slot.ch:
		if int64(len(payload.data)) > maxBytes {
			return "", &Error{Reason: ReasonSizeExceeded, Err: fmt.Errorf("upload is %d bytes, exceeds cap %d", len(payload.data), maxBytes)}
		}
		name := sanitizeBasename(payload.filename)
		dest := filepath.Join(workDir, name)
		if err := os.WriteFile(dest, payload.data, 0644); err != nil {
			return "", &Error{Reason: ReasonUploadMissing, Err: err}
		}
		return dest, nil
	case <-timer.C:
		return "", &Error{Reason: ReasonUploadMissing, Err: errors.New("timed out waiting for upload frame")}
	case <-ctx.Done():
		return "", &Error{Reason: ReasonUploadMissing, Err: ctx.Err()}
	}
}

func (s *Stager) stageURL(ctx context.Context, rawURL, workDir string, maxBytes int64, onProgress ProgressFunc) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &Error{Reason: ReasonSchemeNotAllowed, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &Error{Reason: ReasonSchemeNotAllowed, Err: fmt.Errorf("scheme %q not allowed", u.Scheme)}
	}

	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := s.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return fmt.Errorf("server returned %d", r.StatusCode)
		}
		if r.StatusCode >= 400 {
			r.Body.Close()
			return backoff.Permanent(fmt.Errorf("server returned %d", r.StatusCode))
		}
		resp = r
		return nil
	}

	// Retry only the connection attempt itself; once bytes start
	// streaming, a mid-stream failure surfaces directly as a
	// network_error rather than being retried from scratch.
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		logger.Warn("stage: url fetch failed after retries", "url", rawURL, "err", err)
		return "", &Error{Reason: ReasonNetworkError, Err: err}
	}
	defer resp.Body.Close()

	base := filepath.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		base = "input"
	}
	dest := filepath.Join(workDir, sanitizeBasename(base))

	f, err := os.Create(dest)
	if err != nil {
		return "", &Error{Reason: ReasonNetworkError, Err: err}
	}
	defer f.Close()

	limited := io.LimitReader(resp.Body, maxBytes+1)
	reader := io.Reader(limited)
	if onProgress != nil {
		reader = &progressReader{r: limited, total: resp.ContentLength, onProgress: onProgress}
	}
	written, err := io.Copy(f, reader)
	if err != nil {
		return "", &Error{Reason: ReasonNetworkError, Err: err}
	}
	if onProgress != nil {
		onProgress(stageProgressBand)
	}
	if written > maxBytes {
		os.Remove(dest)
		return "", &Error{Reason: ReasonSizeExceeded, Err: fmt.Errorf("download exceeded cap %d bytes", maxBytes)}
	}

	return dest, nil
}

// stageProgressBand is the top edge of the slice of overall job
// progress that input staging is allotted (spec's "0-5% band").
const stageProgressBand = 5.0

// progressReader scales bytes read against a known total into the
// staging progress band. When the response carries no Content-Length,
// total is <= 0 and no intermediate progress is reported; the caller
// still reports stageProgressBand once the copy finishes.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.total > 0 {
		p.read += int64(n)
		percent := float64(p.read) / float64(p.total) * stageProgressBand
		if percent > stageProgressBand {
			percent = stageProgressBand
		}
		p.onProgress(percent)
	}
	return n, err
}

// sanitizeBasename strips any directory components and leading dots
// so a hostile filename can't escape the job's work directory or
// collide with dotfiles.
func sanitizeBasename(name string) string {
	name = filepath.Base(name)
	for len(name) > 0 && name[0] == '.' {
		name = name[1:]
	}
	if name == "" {
		name = "input"
	}
	return name
}
