package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	raw, err := Encode(TypeAck, AckMessage{JobID: "job-1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Type != TypeAck {
		t.Errorf("Type = %q, want %q", env.Type, TypeAck)
	}

	var ack AckMessage
	if err := unmarshalData(env, &ack); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if ack.JobID != "job-1" {
		t.Errorf("JobID = %q, want job-1", ack.JobID)
	}
}

func TestDecodeEnvelopeRejectsMissingType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"data": {}}`))
	if err == nil {
		t.Error("expected error for envelope missing type")
	}
}

func TestDecodeEnvelopeRejectsInvalidJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	header := BinaryHeader{JobID: "job-1", Filename: "out.mp4", Index: 1, Total: 1}
	payload := []byte("fake video bytes")

	frame, err := EncodeFrame(header, payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	gotHeader, gotPayload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if gotHeader != header {
		t.Errorf("header = %+v, want %+v", gotHeader, header)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestDecodeFrameRejectsTruncatedHeader(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0, 0, 0, 100}) // claims 100-byte header, frame has none
	if err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestDecodeFrameRejectsShortFrame(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0, 0})
	if err == nil {
		t.Error("expected error for frame shorter than the length prefix")
	}
}

func TestValidateOptionsAcceptsWellFormedSpeed(t *testing.T) {
	err := ValidateOptions("speed", []byte(`{"speed_factor": 2.0, "maintain_pitch": true}`))
	if err != nil {
		t.Errorf("expected valid speed options, got %v", err)
	}
}

func TestValidateOptionsRejectsMissingRequiredField(t *testing.T) {
	err := ValidateOptions("speed", []byte(`{"maintain_pitch": true}`))
	if err == nil {
		t.Error("expected error for missing speed_factor")
	}
}

func TestValidateOptionsRejectsOutOfRange(t *testing.T) {
	err := ValidateOptions("speed", []byte(`{"speed_factor": 99}`))
	if err == nil {
		t.Error("expected error for speed_factor above schema maximum")
	}
}

func TestValidateOptionsRejectsUnknownOperation(t *testing.T) {
	err := ValidateOptions("not_an_operation", []byte(`{}`))
	if err == nil {
		t.Error("expected error for unknown operation")
	}
}

func TestValidateOptionsRejectsBadEnum(t *testing.T) {
	err := ValidateOptions("compress", []byte(`{"preset": "ultra"}`))
	if err == nil {
		t.Error("expected error for preset outside the closed enum")
	}
}

func TestValidateOptionsRejectsUnknownField(t *testing.T) {
	err := ValidateOptions("speed", []byte(`{"speed_factor": 2.0, "bogus_field": true}`))
	if err == nil {
		t.Error("expected error for unrecognized field in options")
	}
}

func unmarshalData(env Envelope, v any) error {
	return json.Unmarshal(env.Data, v)
}
