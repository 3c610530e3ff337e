package synth

import (
	"fmt"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Synthesize compiles a typed operation request into an argv vector.
// It never executes anything: ffmpeg-go's Compile() only builds an
// *exec.Cmd value, it doesn't start it, and no file is read or
// written here.
func Synthesize(op OperationKind, opts Options, inputPath string) (Plan, error) {
	switch op {
	case OpSpeed:
		return synthSpeed(opts.Speed, inputPath)
	case OpCompress:
		return synthCompress(opts.Compress, inputPath)
	case OpExtractAudio:
		return synthExtractAudio(opts.ExtractAudio, inputPath)
	case OpRemoveAudio:
		return synthRemoveAudio(opts.RemoveAudio, inputPath)
	case OpConvert:
		return synthConvert(opts.Convert, inputPath)
	case OpThumbnail:
		return synthThumbnail(opts.Thumbnail, inputPath)
	case OpTrim:
		return synthTrim(opts.Trim, inputPath)
	case OpConcat:
		return synthConcat(opts.Concat, inputPath)
	case OpGIF:
		return synthGIF(opts.GIF, inputPath)
	case OpFilter:
		return synthFilter(opts.Filter, inputPath)
	case OpSubtitleExtract:
		return synthSubtitleExtract(opts.SubtitleExtract, inputPath)
	case OpSubtitleBurn:
		return synthSubtitleBurn(opts.SubtitleBurn, inputPath)
	default:
		return Plan{}, fmt.Errorf("synth: unknown operation %q", op)
	}
}

// outputPath builds a deterministic sibling path for inputPath with a
// fixed base name and the given extension. Purely a string join: no
// filesystem access.
func outputPath(inputPath, base, ext string) string {
	dir := filepath.Dir(inputPath)
	return filepath.Join(dir, base+ext)
}

func compile(stream *ffmpeg.Stream) ([]string, error) {
	cmd := stream.OverWriteOutput().Compile()
	if cmd == nil || len(cmd.Args) == 0 {
		return nil, fmt.Errorf("synth: ffmpeg-go produced an empty command")
	}
	// cmd.Args[0] is the ffmpeg binary path/name; the supervisor
	// supplies that separately, so only the flags are returned.
	return cmd.Args[1:], nil
}

func synthSpeed(o *SpeedOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: speed requires options")
	}
	if o.SpeedFactor < 0.25 || o.SpeedFactor > 10.0 {
		return Plan{}, fmt.Errorf("synth: speed_factor %.3f out of range [0.25, 10.0]", o.SpeedFactor)
	}

	videoPTS := fmt.Sprintf("setpts=%.6f*PTS", 1.0/o.SpeedFactor)

	// The video-timing filter applies the inverse of speed_factor to
	// PTS; the audio-rate filter applies speed_factor directly to tempo
	// so the two tracks land on the same wall-clock duration.
	var audioFilter string
	if o.MaintainPitch {
		audioFilter = chainAtempo(o.SpeedFactor)
	} else {
		// asetrate reinterprets the decoded sample rate (changing both
		// tempo and pitch, like a tape sped up or slowed down), so it
		// covers the full [0.25, 10.0] range in one stage with no
		// chaining limit the way atempo needs. aresample afterward
		// restores a standard sample rate for muxing.
		audioFilter = fmt.Sprintf("asetrate=44100*%.6f,aresample=44100", o.SpeedFactor)
	}

	out := outputPath(input, "speed", ".mp4")
	stream := ffmpeg.Input(input).
		Output(out, ffmpeg.KwArgs{
			"vf":     videoPTS,
			"af":     audioFilter,
			"c:v":    "libx264",
			"c:a":    "aac",
			"preset": "medium",
		})

	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: ".mp4", ExpectsBinaryOutput: true}, err
}

// chainAtempo builds a chain of atempo filters since a single atempo
// stage is limited to [0.5, 2.0]; factors outside that range are
// split into multiple chained stages.
func chainAtempo(factor float64) string {
	target := factor
	stages := []string{}
	for target < 0.5 || target > 2.0 {
		if target < 0.5 {
			stages = append(stages, "atempo=0.5")
			target /= 0.5
		} else {
			stages = append(stages, "atempo=2.0")
			target /= 2.0
		}
	}
	stages = append(stages, fmt.Sprintf("atempo=%.6f", target))
	return strings.Join(stages, ",")
}

func synthCompress(o *CompressOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: compress requires options")
	}

	format := o.TargetFormat
	if format == "" {
		format = "mp4" // most widely compatible video container
	}
	out := outputPath(input, "compress", "."+format)

	kw := ffmpeg.KwArgs{"c:v": "libx264", "c:a": "aac"}

	switch o.Preset {
	case PresetLow:
		kw["crf"] = 28
	case PresetMedium:
		kw["crf"] = 23
	case PresetHigh:
		kw["crf"] = 18
	case PresetCustom:
		if o.CRF > 0 {
			kw["crf"] = o.CRF
		}
		if o.VideoBitrateKb > 0 {
			kw["b:v"] = fmt.Sprintf("%dk", o.VideoBitrateKb)
		}
		if o.AudioBitrateKb > 0 {
			kw["b:a"] = fmt.Sprintf("%dk", o.AudioBitrateKb)
		}
	default:
		return Plan{}, fmt.Errorf("synth: unknown compress preset %q", o.Preset)
	}

	if o.MaxWidth > 0 || o.MaxHeight > 0 {
		// Scale down only, preserving aspect ratio, never upscaling:
		// the min(iw,W) / min(ih,H) guards pick whichever dimension is
		// the binding constraint.
		w, h := "-2", "-2"
		if o.MaxWidth > 0 {
			w = fmt.Sprintf("min(iw,%d)", o.MaxWidth)
		}
		if o.MaxHeight > 0 {
			h = fmt.Sprintf("min(ih,%d)", o.MaxHeight)
		}
		kw["vf"] = fmt.Sprintf("scale=%s:%s:force_original_aspect_ratio=decrease", w, h)
	}

	stream := ffmpeg.Input(input).Output(out, kw)
	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: "." + format, ExpectsBinaryOutput: true}, err
}

var audioEncoders = map[AudioFormat]string{
	AudioMP3:  "libmp3lame",
	AudioAAC:  "aac",
	AudioWAV:  "pcm_s16le",
	AudioOpus: "libopus",
	AudioM4A:  "aac",
	AudioFLAC: "flac",
	AudioOGG:  "libvorbis",
}

func synthExtractAudio(o *ExtractAudioOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: extract_audio requires options")
	}
	encoder, ok := audioEncoders[o.Format]
	if !ok {
		return Plan{}, fmt.Errorf("synth: unsupported audio format %q", o.Format)
	}
	if o.SampleRate != 0 && !IsValidSampleRate(o.SampleRate) {
		return Plan{}, fmt.Errorf("synth: unrecognized sample rate %d", o.SampleRate)
	}

	out := outputPath(input, "audio", "."+string(o.Format))
	kw := ffmpeg.KwArgs{
		"vn":  "", // drop the input video stream
		"c:a": encoder,
	}
	if o.BitrateKbp > 0 {
		kw["b:a"] = fmt.Sprintf("%dk", o.BitrateKbp)
	}
	if o.SampleRate > 0 {
		kw["ar"] = o.SampleRate
	}

	stream := ffmpeg.Input(input).Output(out, kw)
	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: "." + string(o.Format), ExpectsBinaryOutput: true}, err
}

func synthRemoveAudio(o *RemoveAudioOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: remove_audio requires options")
	}

	out := outputPath(input, "noaudio", ".mp4")
	kw := ffmpeg.KwArgs{"an": ""} // drop audio stream
	if o.KeepVideoQuality {
		kw["c:v"] = "copy"
	} else {
		kw["c:v"] = "libx264"
		kw["crf"] = 23
		kw["preset"] = "medium"
	}

	stream := ffmpeg.Input(input).Output(out, kw)
	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: ".mp4", ExpectsBinaryOutput: true}, err
}

func synthConvert(o *ConvertOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: convert requires options")
	}
	if o.TargetFormat == "" {
		return Plan{}, fmt.Errorf("synth: convert requires target_format")
	}

	out := outputPath(input, "converted", "."+o.TargetFormat)
	kw := ffmpeg.KwArgs{}

	if o.StreamCopy {
		kw["c:v"] = "copy"
		kw["c:a"] = "copy"
	} else {
		if o.VideoCodec != "" {
			kw["c:v"] = o.VideoCodec
		} else {
			kw["c:v"] = "libx264"
		}
		if o.AudioCodec != "" {
			kw["c:a"] = o.AudioCodec
		} else {
			kw["c:a"] = "aac"
		}
	}

	stream := ffmpeg.Input(input).Output(out, kw)
	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: "." + o.TargetFormat, ExpectsBinaryOutput: true}, err
}

func synthThumbnail(o *ThumbnailOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: thumbnail requires options")
	}
	if o.HasTimestamp == o.HasCount {
		return Plan{}, fmt.Errorf("synth: thumbnail requires exactly one of timestamp or count")
	}
	switch o.Format {
	case ThumbnailPNG, ThumbnailJPEG, ThumbnailJPG:
	default:
		return Plan{}, fmt.Errorf("synth: unsupported thumbnail format %q", o.Format)
	}
	ext := "." + string(o.Format)

	var vf string
	if o.Width > 0 && o.Height > 0 {
		vf = fmt.Sprintf("scale=%d:%d", o.Width, o.Height)
	} else if o.Width > 0 {
		vf = fmt.Sprintf("scale=%d:-1", o.Width)
	}

	if o.HasTimestamp {
		out := outputPath(input, "thumb", ext)
		// Seek fast (input-side -ss, before -i) for a single timestamp.
		kw := ffmpeg.KwArgs{"vframes": 1}
		if vf != "" {
			kw["vf"] = vf
		}
		stream := ffmpeg.Input(input, ffmpeg.KwArgs{"ss": fmt.Sprintf("%.3f", o.Timestamp)}).
			Output(out, kw)
		argv, err := compile(stream)
		return Plan{Argv: argv, OutputPath: out, OutputExt: ext, ExpectsBinaryOutput: true}, err
	}

	if o.Count < 1 || o.Count > 20 {
		return Plan{}, fmt.Errorf("synth: thumbnail count %d out of range [1, 20]", o.Count)
	}
	// Deterministic, evenly-spaced set named by index via an image2
	// sequence pattern; the caller expands the pattern after the
	// subprocess exits.
	pattern := outputPath(input, "thumb_%03d", ext)
	vfSelect := fmt.Sprintf("select='not(mod(n\\,floor(n_frames/%d)))'", o.Count)
	if vf != "" {
		vfSelect = vf + "," + vfSelect
	}
	kw := ffmpeg.KwArgs{
		"vf":     vfSelect,
		"vsync":  "vfr",
		"frames": o.Count,
	}
	stream := ffmpeg.Input(input).Output(pattern, kw)
	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: pattern, OutputExt: ext, ExpectsBinaryOutput: true}, err
}

func synthTrim(o *TrimOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: trim requires options")
	}
	if o.StartTime < 0 || o.EndTime < 0 || o.EndTime <= o.StartTime {
		return Plan{}, fmt.Errorf("synth: trim requires 0 <= start_time < end_time")
	}

	out := outputPath(input, "trim", ".mp4")
	duration := o.EndTime - o.StartTime

	// Fast seek to start (input-side -ss); stream-copy since no
	// filters are present for a plain trim.
	stream := ffmpeg.Input(input, ffmpeg.KwArgs{"ss": fmt.Sprintf("%.3f", o.StartTime)}).
		Output(out, ffmpeg.KwArgs{
			"t":   fmt.Sprintf("%.3f", duration),
			"c:v": "copy",
			"c:a": "copy",
		})

	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: ".mp4", ExpectsBinaryOutput: true}, err
}

func synthConcat(o *ConcatOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: concat requires options")
	}
	if len(o.InputPaths) < 2 || o.InputPaths[0] != input {
		return Plan{}, fmt.Errorf("synth: concat requires at least 2 input paths with InputPaths[0] == input")
	}

	format := o.TargetFormat
	if format == "" {
		format = "mp4"
	}
	out := outputPath(input, "concat", "."+format)

	if o.SameCodec {
		// Lossless concat via the concat protocol: valid when codecs
		// and containers already match, avoiding any list file (the
		// supervisor runs ffmpeg with stdin disabled).
		concatSpec := "concat:" + strings.Join(o.InputPaths, "|")
		stream := ffmpeg.Input(concatSpec).
			Output(out, ffmpeg.KwArgs{"c": "copy"})
		argv, err := compile(stream)
		return Plan{Argv: argv, OutputPath: out, OutputExt: "." + format, ExpectsBinaryOutput: true}, err
	}

	// Filter-concat fallback: decode and re-encode every input through
	// the concat filter.
	streams := make([]*ffmpeg.Stream, 0, len(o.InputPaths))
	for _, p := range o.InputPaths {
		streams = append(streams, ffmpeg.Input(p))
	}
	joined := ffmpeg.Concat(streams, ffmpeg.KwArgs{"n": len(streams), "v": 1, "a": 1}).
		Output(out, ffmpeg.KwArgs{"c:v": "libx264", "c:a": "aac"})
	argv, err := compile(joined)
	return Plan{Argv: argv, OutputPath: out, OutputExt: "." + format, ExpectsBinaryOutput: true}, err
}

func synthGIF(o *GIFOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: gif requires options")
	}
	if o.Duration <= 0 || o.Duration > 30 {
		return Plan{}, fmt.Errorf("synth: gif duration must be in (0, 30]")
	}
	if o.FPS < 1 || o.FPS > 30 {
		return Plan{}, fmt.Errorf("synth: gif fps must be in [1, 30]")
	}

	out := outputPath(input, "anim", ".gif")
	scale := "scale=iw:ih"
	if o.Width > 0 {
		scale = fmt.Sprintf("scale=%d:-1:flags=lanczos", o.Width)
	}

	seekArgs := ffmpeg.KwArgs{"ss": fmt.Sprintf("%.3f", o.StartTime)}
	durArgs := ffmpeg.KwArgs{"t": fmt.Sprintf("%.3f", o.Duration)}

	if !o.Optimize {
		durArgs["vf"] = fmt.Sprintf("fps=%d,%s", o.FPS, scale)
		stream := ffmpeg.Input(input, seekArgs).Output(out, durArgs)
		argv, err := compile(stream)
		return Plan{Argv: argv, OutputPath: out, OutputExt: ".gif", ExpectsBinaryOutput: true}, err
	}

	// Two-pass palette-generate + palette-apply for higher-quality
	// optimized GIFs. Both passes share the same trim/fps/scale
	// pre-filter; the palette is generated and applied within a single
	// filter_complex graph so only one ffmpeg invocation is needed.
	base := fmt.Sprintf("fps=%d,%s", o.FPS, scale)
	filterComplex := fmt.Sprintf(
		"[0:v]%s,split[a][b];[a]palettegen[p];[b][p]paletteuse", base,
	)
	kw := ffmpeg.KwArgs{"t": fmt.Sprintf("%.3f", o.Duration), "filter_complex": filterComplex}
	stream := ffmpeg.Input(input, seekArgs).Output(out, kw)
	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: ".gif", ExpectsBinaryOutput: true}, err
}

func synthFilter(o *FilterOptions, input string) (Plan, error) {
	if o == nil || len(o.Filters) == 0 {
		return Plan{}, fmt.Errorf("synth: filter requires a non-empty filter chain")
	}

	var vfParts []string
	var afParts []string
	var twoPassNormalize bool

	for _, f := range o.Filters {
		switch f.Type {
		case FilterScale:
			w, h := f.Width, f.Height
			if w == 0 {
				w = -2
			}
			if h == 0 {
				h = -2
			}
			vfParts = append(vfParts, fmt.Sprintf("scale=%d:%d", w, h))
		case FilterRotate:
			switch f.Degree {
			case 90:
				vfParts = append(vfParts, "transpose=1")
			case 180:
				vfParts = append(vfParts, "transpose=1,transpose=1")
			case 270:
				vfParts = append(vfParts, "transpose=2")
			default:
				return Plan{}, fmt.Errorf("synth: rotate degrees must be 90, 180, or 270, got %d", f.Degree)
			}
		case FilterCrop:
			vfParts = append(vfParts, fmt.Sprintf("crop=%d:%d:%d:%d", f.W, f.H, f.X, f.Y))
		case FilterFPS:
			if f.FPS < 1 {
				return Plan{}, fmt.Errorf("synth: fps filter requires fps >= 1")
			}
			vfParts = append(vfParts, fmt.Sprintf("fps=%d", f.FPS))
		case FilterVolume:
			// normalize, when present in the same chain, takes
			// precedence over a plain volume multiplier.
			if !twoPassNormalize {
				gain := f.Gain
				if gain == 0 {
					gain = 1.0
				}
				afParts = append(afParts, fmt.Sprintf("volume=%.4f", gain))
			}
		case FilterNormalize:
			twoPassNormalize = true
			afParts = []string{"loudnorm=I=-16:TP=-1.5:LRA=11"}
		default:
			return Plan{}, fmt.Errorf("synth: unknown filter type %q", f.Type)
		}
	}

	out := outputPath(input, "filtered", ".mp4")
	kw := ffmpeg.KwArgs{"c:v": "libx264", "c:a": "aac"}
	if len(vfParts) > 0 {
		kw["vf"] = strings.Join(vfParts, ",")
	}
	if len(afParts) > 0 {
		kw["af"] = strings.Join(afParts, ",")
	}

	stream := ffmpeg.Input(input).Output(out, kw)
	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: ".mp4", ExpectsBinaryOutput: true}, err
}

func synthSubtitleExtract(o *SubtitleExtractOptions, input string) (Plan, error) {
	if o == nil {
		return Plan{}, fmt.Errorf("synth: subtitle_extract requires options")
	}
	format := o.Format
	if format == "" {
		format = "srt"
	}
	out := outputPath(input, "subs", "."+format)

	stream := ffmpeg.Input(input).
		Output(out, ffmpeg.KwArgs{"map": fmt.Sprintf("0:%d", o.StreamIndex)})
	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: "." + format, ExpectsBinaryOutput: true}, err
}

func synthSubtitleBurn(o *SubtitleBurnOptions, input string) (Plan, error) {
	if o == nil || o.SubtitlePath == "" {
		return Plan{}, fmt.Errorf("synth: subtitle_burn requires a subtitle path")
	}
	out := outputPath(input, "burned", ".mp4")

	// subtitles filter escaping: ffmpeg's filtergraph parser treats
	// ':' specially, so colons in the path are escaped.
	escaped := strings.ReplaceAll(o.SubtitlePath, ":", "\\:")
	stream := ffmpeg.Input(input).
		Output(out, ffmpeg.KwArgs{
			"vf":  fmt.Sprintf("subtitles=%s", escaped),
			"c:a": "copy",
		})
	argv, err := compile(stream)
	return Plan{Argv: argv, OutputPath: out, OutputExt: ".mp4", ExpectsBinaryOutput: true}, err
}
