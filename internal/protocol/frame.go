package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// BinaryHeader describes the payload that follows it in a binary
// frame: which job it belongs to and, for multi-output operations
// (thumbnail with count > 1), which file this is.
type BinaryHeader struct {
	JobID    string `json:"job_id"`
	Filename string `json:"filename"`
	Index    int    `json:"index,omitempty"`
	Total    int    `json:"total,omitempty"`
}

// EncodeFrame lays out a binary frame as a 4-byte big-endian header
// length, the JSON header, then the raw payload bytes.
func EncodeFrame(header BinaryHeader, payload []byte) ([]byte, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode binary header: %w", err)
	}
	if len(headerBytes) > 0xFFFFFFFF {
		return nil, fmt.Errorf("protocol: binary header too large")
	}

	buf := make([]byte, 4+len(headerBytes)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(headerBytes)))
	copy(buf[4:4+len(headerBytes)], headerBytes)
	copy(buf[4+len(headerBytes):], payload)
	return buf, nil
}

// DecodeFrame splits a binary frame back into its header and payload.
func DecodeFrame(frame []byte) (BinaryHeader, []byte, error) {
	if len(frame) < 4 {
		return BinaryHeader{}, nil, fmt.Errorf("protocol: frame too short for header length")
	}
	headerLen := binary.BigEndian.Uint32(frame[0:4])
	if uint64(4+headerLen) > uint64(len(frame)) {
		return BinaryHeader{}, nil, fmt.Errorf("protocol: frame header length %d exceeds frame size %d", headerLen, len(frame))
	}

	var header BinaryHeader
	if err := json.Unmarshal(frame[4:4+headerLen], &header); err != nil {
		return BinaryHeader{}, nil, fmt.Errorf("protocol: invalid binary header json: %w", err)
	}

	payload := frame[4+headerLen:]
	return header, payload, nil
}
