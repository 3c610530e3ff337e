package protocol

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// optionSchemas holds one JSON Schema document per operation, keyed
// by the operation name as it appears on the wire. Compiled once at
// package init, the same way the pack compiles its request schemas.
var optionSchemas = map[string]string{
	"speed": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["speed_factor"],
		"properties": {
			"speed_factor": {"type": "number", "minimum": 0.25, "maximum": 10.0},
			"maintain_pitch": {"type": "boolean"}
		}
	}`,
	"compress": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["preset"],
		"properties": {
			"preset": {"type": "string", "enum": ["low", "medium", "high", "custom"]},
			"video_bitrate_kbps": {"type": "integer", "minimum": 1},
			"audio_bitrate_kbps": {"type": "integer", "minimum": 1},
			"crf": {"type": "integer", "minimum": 0, "maximum": 51},
			"max_width": {"type": "integer", "minimum": 1},
			"max_height": {"type": "integer", "minimum": 1},
			"target_format": {"type": "string"}
		}
	}`,
	"extract_audio": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["format"],
		"properties": {
			"format": {"type": "string", "enum": ["mp3", "aac", "wav", "opus", "m4a", "flac", "ogg"]},
			"bitrate_kbps": {"type": "integer", "minimum": 1},
			"sample_rate": {"type": "integer", "enum": [8000, 16000, 22050, 44100, 48000, 96000]}
		}
	}`,
	"remove_audio": `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"keep_video_quality": {"type": "boolean"}
		}
	}`,
	"convert": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["target_format"],
		"properties": {
			"target_format": {"type": "string", "minLength": 1},
			"stream_copy": {"type": "boolean"},
			"video_codec": {"type": "string"},
			"audio_codec": {"type": "string"}
		}
	}`,
	"thumbnail": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["format"],
		"properties": {
			"timestamp": {"type": "number", "minimum": 0},
			"count": {"type": "integer", "minimum": 1, "maximum": 20},
			"format": {"type": "string", "enum": ["png", "jpeg", "jpg"]},
			"width": {"type": "integer", "minimum": 1},
			"height": {"type": "integer", "minimum": 1}
		}
	}`,
	"trim": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["start_time", "end_time"],
		"properties": {
			"start_time": {"type": "number", "minimum": 0},
			"end_time": {"type": "number", "minimum": 0}
		}
	}`,
	"concat": `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"same_codec": {"type": "boolean"},
			"target_format": {"type": "string"}
		}
	}`,
	"gif": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["duration", "fps"],
		"properties": {
			"start_time": {"type": "number", "minimum": 0},
			"duration": {"type": "number", "exclusiveMinimum": 0, "maximum": 30},
			"fps": {"type": "integer", "minimum": 1, "maximum": 30},
			"width": {"type": "integer", "minimum": 1},
			"optimize": {"type": "boolean"}
		}
	}`,
	"filter": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["filters"],
		"properties": {
			"filters": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["type"],
					"properties": {
						"type": {"type": "string", "enum": ["scale", "rotate", "crop", "fps", "volume", "normalize"]}
					}
				}
			}
		}
	}`,
	"subtitle_extract": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["stream_index"],
		"properties": {
			"stream_index": {"type": "integer", "minimum": 0},
			"format": {"type": "string"}
		}
	}`,
	"subtitle_burn": `{
		"type": "object",
		"additionalProperties": false,
		"properties": {}
	}`,
}

var compiledSchemas = compileSchemas()

func compileSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, len(optionSchemas))
	for name, text := range optionSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			panic(fmt.Sprintf("protocol: invalid embedded schema for %q: %v", name, err))
		}
		compiled[name] = schema
	}
	return compiled
}

// ValidateOptions checks a start_job message's raw options payload
// against the closed schema for its operation.
func ValidateOptions(operation string, rawOptions []byte) error {
	schema, ok := compiledSchemas[operation]
	if !ok {
		return fmt.Errorf("protocol: unknown operation %q", operation)
	}
	if len(rawOptions) == 0 {
		rawOptions = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(rawOptions))
	if err != nil {
		return fmt.Errorf("protocol: schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("protocol: options invalid for %q: %s", operation, strings.Join(msgs, "; "))
	}
	return nil
}
