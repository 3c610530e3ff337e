// Package probe is the Metadata Probe: it runs ffprobe over a staged
// input file and reports structured metadata. A probe failure is never
// fatal to a job — it degrades to size-only metadata instead.
package probe

import (
	"context"
	"os"
	"sync"
	"time"

	ffprobe "gopkg.in/vansante/go-ffprobe.v2"

	"github.com/oceanline/mediaforge/internal/logger"
)

// Metadata is what the Job Manager records against a job once probing
// completes, successfully or not.
type Metadata struct {
	Container   string  `json:"container,omitempty"`
	DurationSec float64 `json:"duration_seconds,omitempty"`
	HasDuration bool    `json:"-"`
	SizeBytes   int64   `json:"size_bytes"`
	VideoCodec  string  `json:"video_codec,omitempty"`
	AudioCodec  string  `json:"audio_codec,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	BitrateKbps int     `json:"bitrate_kbps,omitempty"`

	// Degraded is set when ffprobe failed or produced no usable stream
	// data; in that case only SizeBytes is trustworthy.
	Degraded bool `json:"degraded"`
}

// Prober carries the ffprobe binary path and the per-probe timeout.
// go-ffprobe.v2 reads the binary path from a package-level setting, so
// only the path given to the first New call in a process takes effect
// (see setBinPathOnce).
type Prober struct {
	FFprobePath string
	Timeout     time.Duration
}

// setBinPathOnce guards the go-ffprobe.v2 package's global bin-path
// setter. The library exposes no per-call way to point ProbeURL at a
// specific binary, so the path is applied exactly once here rather
// than on every Probe call — Probe runs concurrently from every
// worker goroutine, and repeatedly mutating that global would be a
// data race against the library's own internal reads of it.
var setBinPathOnce sync.Once

func New(ffprobePath string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if ffprobePath != "" {
		setBinPathOnce.Do(func() {
			ffprobe.SetFFProbeBinPath(ffprobePath)
		})
	}
	return &Prober{FFprobePath: ffprobePath, Timeout: timeout}
}

// Probe inspects path and returns Metadata. It never returns an error:
// on any ffprobe failure it logs a warning and returns size-only,
// Degraded metadata, since a probe failure must not fail the job.
func (p *Prober) Probe(ctx context.Context, path string) Metadata {
	size := fileSize(path)

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	data, err := ffprobe.ProbeURL(ctx, path)
	if err != nil {
		logger.Warn("probe failed, degrading to size-only metadata", "path", path, "err", err)
		return Metadata{SizeBytes: size, Degraded: true}
	}

	meta := Metadata{SizeBytes: size}
	if data.Format != nil {
		meta.Container = data.Format.FormatName
		if d, err := data.Format.Duration(); err == nil && d > 0 {
			meta.DurationSec = d.Seconds()
			meta.HasDuration = true
		}
		if br := data.Format.BitRate; br != "" {
			meta.BitrateKbps = parseBitrateKbps(br)
		}
	}

	if vs := data.FirstVideoStream(); vs != nil {
		meta.VideoCodec = vs.CodecName
		meta.Width = vs.Width
		meta.Height = vs.Height
	}
	if as := data.FirstAudioStream(); as != nil {
		meta.AudioCodec = as.CodecName
	}

	if meta.VideoCodec == "" && meta.AudioCodec == "" {
		meta.Degraded = true
	}

	return meta
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func parseBitrateKbps(raw string) int {
	var bps int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			break
		}
		bps = bps*10 + int64(c-'0')
	}
	return int(bps / 1000)
}
