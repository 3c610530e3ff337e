// Package protocol implements the wire codec: JSON text envelopes for
// control messages, and a length-prefixed binary frame for payload
// transfer (uploads in, results out).
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the closed set of inbound and outbound envelope
// types.
type MessageType string

const (
	// Inbound (client -> server)
	TypeStartJob  MessageType = "start_job"
	TypeCancelJob MessageType = "cancel_job"
	TypePing      MessageType = "ping"

	// Outbound (server -> client)
	TypeAck       MessageType = "ack"
	TypeProgress  MessageType = "progress"
	TypeCompleted MessageType = "completed"
	TypeError     MessageType = "error"
	TypePong      MessageType = "pong"
)

// Envelope is the generic shape every JSON text message shares before
// its type-specific payload is interpreted.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StartJobMessage is the inbound payload for TypeStartJob.
type StartJobMessage struct {
	JobID     string          `json:"job_id"`
	Operation string          `json:"operation"`
	Input     InputDescriptor `json:"input"`
	Options   json.RawMessage `json:"options"`
}

// InputDescriptor mirrors the job input variants over the wire.
type InputDescriptor struct {
	Kind string `json:"kind"` // "upload" | "url"
	URL  string `json:"url,omitempty"`
}

// CancelJobMessage is the inbound payload for TypeCancelJob.
type CancelJobMessage struct {
	JobID string `json:"job_id"`
}

// AckMessage acknowledges a start_job request was accepted.
type AckMessage struct {
	JobID string `json:"job_id"`
}

// ProgressMessage reports a job's percent complete.
type ProgressMessage struct {
	JobID           string  `json:"job_id"`
	ProgressPercent float64 `json:"progress_percent"`
	Status          string  `json:"status"`
}

// CompletedMessage announces a job finished; the binary result frame,
// if any, immediately follows this JSON message on the same
// connection.
type CompletedMessage struct {
	JobID          string   `json:"job_id"`
	OutputCount    int      `json:"output_count"`
	OutputFilename string   `json:"output_filename,omitempty"`
	OutputFilenames []string `json:"output_filenames,omitempty"`
}

// ErrorMessage reports a failure against a specific job, or a
// connection-level protocol violation when JobID is empty.
type ErrorMessage struct {
	JobID   string `json:"job_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMessage answers a ping.
type PongMessage struct{}

// Encode wraps a typed payload into an Envelope's JSON bytes.
func Encode(t MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// DecodeEnvelope parses the outer envelope only; callers then decode
// Data according to Type.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: invalid envelope json: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing type")
	}
	return env, nil
}
