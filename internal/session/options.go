package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oceanline/mediaforge/internal/synth"
)

// decodeOptions unmarshals a start_job message's raw options into the
// synth.Options slot matching op. Schema validation has already run
// by this point; this only needs to succeed for well-formed JSON.
func decodeOptions(op synth.OperationKind, raw []byte) (synth.Options, error) {
	var opts synth.Options
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	switch op {
	case synth.OpSpeed:
		var o synth.SpeedOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.Speed = &o
	case synth.OpCompress:
		var o synth.CompressOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.Compress = &o
	case synth.OpExtractAudio:
		var o synth.ExtractAudioOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.ExtractAudio = &o
	case synth.OpRemoveAudio:
		var o synth.RemoveAudioOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.RemoveAudio = &o
	case synth.OpConvert:
		var o synth.ConvertOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.Convert = &o
	case synth.OpThumbnail:
		var wire struct {
			Timestamp *float64            `json:"timestamp"`
			Count     *int                `json:"count"`
			Format    synth.ThumbnailFormat `json:"format"`
			Width     int                 `json:"width"`
			Height    int                 `json:"height"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return opts, err
		}
		o := synth.ThumbnailOptions{Format: wire.Format, Width: wire.Width, Height: wire.Height}
		if wire.Timestamp != nil {
			o.HasTimestamp = true
			o.Timestamp = *wire.Timestamp
		}
		if wire.Count != nil {
			o.HasCount = true
			o.Count = *wire.Count
		}
		opts.Thumbnail = &o
	case synth.OpTrim:
		var o synth.TrimOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.Trim = &o
	case synth.OpConcat:
		var o synth.ConcatOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.Concat = &o
	case synth.OpGIF:
		var o synth.GIFOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.GIF = &o
	case synth.OpFilter:
		var o synth.FilterOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.Filter = &o
	case synth.OpSubtitleExtract:
		var o synth.SubtitleExtractOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.SubtitleExtract = &o
	case synth.OpSubtitleBurn:
		var o synth.SubtitleBurnOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return opts, err
		}
		opts.SubtitleBurn = &o
	default:
		return opts, fmt.Errorf("session: unknown operation %q", op)
	}

	return opts, nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func baseName(path string) string {
	return filepath.Base(path)
}
