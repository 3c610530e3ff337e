// Package synth is the Command Synthesizer: a pure function mapping a
// typed operation request to an ffmpeg argv vector. It never spawns a
// process and never touches the filesystem, which is what makes it
// trivially unit-testable.
package synth

// OperationKind is the closed set of operations the synthesizer knows
// how to compile.
type OperationKind string

const (
	OpSpeed           OperationKind = "speed"
	OpCompress        OperationKind = "compress"
	OpExtractAudio    OperationKind = "extract_audio"
	OpRemoveAudio     OperationKind = "remove_audio"
	OpConvert         OperationKind = "convert"
	OpThumbnail       OperationKind = "thumbnail"
	OpTrim            OperationKind = "trim"
	OpConcat          OperationKind = "concat"
	OpGIF             OperationKind = "gif"
	OpFilter          OperationKind = "filter"
	OpSubtitleExtract OperationKind = "subtitle_extract"
	OpSubtitleBurn    OperationKind = "subtitle_burn"
)

// ValidOperations lists every operation kind the synthesizer accepts,
// for validation at the protocol boundary.
var ValidOperations = []OperationKind{
	OpSpeed, OpCompress, OpExtractAudio, OpRemoveAudio, OpConvert,
	OpThumbnail, OpTrim, OpConcat, OpGIF, OpFilter,
	OpSubtitleExtract, OpSubtitleBurn,
}

func IsValidOperation(op OperationKind) bool {
	for _, v := range ValidOperations {
		if v == op {
			return true
		}
	}
	return false
}

// SpeedOptions controls the "speed" operation.
type SpeedOptions struct {
	SpeedFactor   float64 `json:"speed_factor"`
	MaintainPitch bool    `json:"maintain_pitch"`
}

// CompressPreset is the closed set of compression presets.
type CompressPreset string

const (
	PresetLow    CompressPreset = "low"
	PresetMedium CompressPreset = "medium"
	PresetHigh   CompressPreset = "high"
	PresetCustom CompressPreset = "custom"
)

// CompressOptions controls the "compress" operation.
type CompressOptions struct {
	Preset         CompressPreset `json:"preset"`
	VideoBitrateKb int             `json:"video_bitrate_kbps,omitempty"`
	AudioBitrateKb int             `json:"audio_bitrate_kbps,omitempty"`
	CRF            int             `json:"crf,omitempty"`
	MaxWidth       int             `json:"max_width,omitempty"`
	MaxHeight      int             `json:"max_height,omitempty"`
	TargetFormat   string          `json:"target_format,omitempty"`
}

// AudioFormat is the closed set of extract_audio target codecs.
type AudioFormat string

const (
	AudioMP3  AudioFormat = "mp3"
	AudioAAC  AudioFormat = "aac"
	AudioWAV  AudioFormat = "wav"
	AudioOpus AudioFormat = "opus"
	AudioM4A  AudioFormat = "m4a"
	AudioFLAC AudioFormat = "flac"
	AudioOGG  AudioFormat = "ogg"
)

// ValidSampleRates is the recognized sample-rate set (Hz).
var ValidSampleRates = []int{8000, 16000, 22050, 44100, 48000, 96000}

func IsValidSampleRate(hz int) bool {
	for _, v := range ValidSampleRates {
		if v == hz {
			return true
		}
	}
	return false
}

// ExtractAudioOptions controls the "extract_audio" operation.
type ExtractAudioOptions struct {
	Format     AudioFormat `json:"format"`
	BitrateKbp int         `json:"bitrate_kbps,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

// RemoveAudioOptions controls the "remove_audio" operation.
type RemoveAudioOptions struct {
	KeepVideoQuality bool `json:"keep_video_quality"`
}

// ConvertOptions controls the "convert" operation.
type ConvertOptions struct {
	TargetFormat string `json:"target_format"`
	StreamCopy   bool   `json:"stream_copy"`
	VideoCodec   string `json:"video_codec,omitempty"`
	AudioCodec   string `json:"audio_codec,omitempty"`
}

// ThumbnailFormat is the closed set of thumbnail image formats.
type ThumbnailFormat string

const (
	ThumbnailPNG  ThumbnailFormat = "png"
	ThumbnailJPEG ThumbnailFormat = "jpeg"
	ThumbnailJPG  ThumbnailFormat = "jpg"
)

// ThumbnailOptions controls the "thumbnail" operation. Timestamp and
// Count are mutually exclusive; HasTimestamp/HasCount disambiguate a
// zero value from "not set".
type ThumbnailOptions struct {
	Timestamp    float64         `json:"timestamp,omitempty"`
	HasTimestamp bool            `json:"-"`
	Count        int             `json:"count,omitempty"`
	HasCount     bool            `json:"-"`
	Format       ThumbnailFormat `json:"format"`
	Width        int             `json:"width,omitempty"`
	Height       int             `json:"height,omitempty"`
}

// TrimOptions controls the "trim" operation.
type TrimOptions struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// ConcatOptions controls the "concat" operation. InputPaths beyond the
// first are additional local files already staged by the caller;
// Synthesize's inputPath argument is the first of the list.
type ConcatOptions struct {
	InputPaths   []string `json:"-"` // full ordered list, inputPath == InputPaths[0]
	SameCodec    bool     `json:"same_codec"`
	TargetFormat string   `json:"target_format,omitempty"`
}

// GIFOptions controls the "gif" operation.
type GIFOptions struct {
	StartTime float64 `json:"start_time"`
	Duration  float64 `json:"duration"`
	FPS       int     `json:"fps"`
	Width     int     `json:"width,omitempty"`
	Optimize  bool    `json:"optimize"`
}

// FilterKind is the closed set of filter-chain filter types.
type FilterKind string

const (
	FilterScale     FilterKind = "scale"
	FilterRotate    FilterKind = "rotate"
	FilterCrop      FilterKind = "crop"
	FilterFPS       FilterKind = "fps"
	FilterVolume    FilterKind = "volume"
	FilterNormalize FilterKind = "normalize"
)

// FilterSpec is one entry in a "filter" operation's ordered chain.
type FilterSpec struct {
	Type   FilterKind `json:"type"`
	Width  int        `json:"width,omitempty"`  // scale
	Height int        `json:"height,omitempty"` // scale
	Degree int        `json:"degrees,omitempty"` // rotate: 90, 180, 270
	X      int        `json:"x,omitempty"`       // crop
	Y      int        `json:"y,omitempty"`       // crop
	W      int        `json:"w,omitempty"`       // crop
	H      int        `json:"h,omitempty"`       // crop
	FPS    int        `json:"fps,omitempty"`     // fps
	Gain   float64    `json:"gain,omitempty"`    // volume (multiplier)
}

// FilterOptions controls the "filter" operation.
type FilterOptions struct {
	Filters []FilterSpec `json:"filters"`
}

// SubtitleExtractOptions controls the supplemented "subtitle_extract"
// operation: stream-select of the textual subtitle track at
// StreamIndex (absolute ffprobe stream index).
type SubtitleExtractOptions struct {
	StreamIndex int    `json:"stream_index"`
	Format      string `json:"format,omitempty"` // srt, ass, webvtt
}

// SubtitleBurnOptions controls the supplemented "subtitle_burn"
// operation: filter-graph overlay of a subtitle file onto the video.
type SubtitleBurnOptions struct {
	SubtitlePath string `json:"-"`
}

// Options bundles exactly one of the per-operation option structs,
// selected by the accompanying OperationKind. Exactly one field
// should be non-nil for a given call to Synthesize.
type Options struct {
	Speed           *SpeedOptions
	Compress        *CompressOptions
	ExtractAudio    *ExtractAudioOptions
	RemoveAudio     *RemoveAudioOptions
	Convert         *ConvertOptions
	Thumbnail       *ThumbnailOptions
	Trim            *TrimOptions
	Concat          *ConcatOptions
	GIF             *GIFOptions
	Filter          *FilterOptions
	SubtitleExtract *SubtitleExtractOptions
	SubtitleBurn    *SubtitleBurnOptions
}

// Plan is the synthesizer's output: everything the Subprocess
// Supervisor needs to invoke ffmpeg, plus what the Job Manager needs
// to know about the shape of the result.
type Plan struct {
	Argv                []string
	OutputPath          string
	OutputExt           string
	ExpectsBinaryOutput bool
	// OutputPaths lists every file of an operation that produces a set
	// of files. The thumbnail count path leaves it empty and sets
	// OutputPath to an image2 sequence pattern instead; the Job Manager
	// expands that pattern into the written files after ffmpeg exits.
	OutputPaths []string
}
