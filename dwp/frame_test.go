package dwp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xraph/batch/job"
)

func TestNewRequestFrame(t *testing.T) {
	t.Parallel()

	data := map[string]string{"name": "convert"}
	frame, err := NewRequestFrame("frame-1", MethodLeaseClaim, data)
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}

	if frame.ID != "frame-1" {
		t.Errorf("ID = %q, want %q", frame.ID, "frame-1")
	}
	if frame.Type != FrameRequest {
		t.Errorf("Type = %q, want %q", frame.Type, FrameRequest)
	}
	if frame.Method != MethodLeaseClaim {
		t.Errorf("Method = %q, want %q", frame.Method, MethodLeaseClaim)
	}
	if frame.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}

	var payload map[string]string
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload["name"] != "convert" {
		t.Errorf("payload name = %q, want %q", payload["name"], "convert")
	}
}

func TestNewResponseFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewResponseFrame("correl-1", map[string]string{"status": "ok"})
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}

	if frame.Type != FrameResponse {
		t.Errorf("Type = %q, want %q", frame.Type, FrameResponse)
	}
	if frame.CorrelID != "correl-1" {
		t.Errorf("CorrelID = %q, want %q", frame.CorrelID, "correl-1")
	}
	if frame.ID == "" {
		t.Error("ID should be auto-generated")
	}
}

func TestNewErrorFrame(t *testing.T) {
	t.Parallel()

	frame := NewErrorFrame("correl-2", ErrCodeNotFound, "not found")
	if frame.Type != FrameErr {
		t.Errorf("Type = %q, want %q", frame.Type, FrameErr)
	}
	if frame.CorrelID != "correl-2" {
		t.Errorf("CorrelID = %q, want %q", frame.CorrelID, "correl-2")
	}
	if frame.Error == nil {
		t.Fatal("Error should not be nil")
	}
	if frame.Error.Code != ErrCodeNotFound {
		t.Errorf("Error.Code = %d, want %d", frame.Error.Code, ErrCodeNotFound)
	}
	if frame.Error.Message != "not found" {
		t.Errorf("Error.Message = %q, want %q", frame.Error.Message, "not found")
	}
}

func TestGenerateFrameID(t *testing.T) {
	t.Parallel()

	id1 := GenerateFrameID()
	if id1 == "" {
		t.Error("GenerateFrameID returned empty string")
	}

	// Should produce unique IDs, even within one clock tick.
	id2 := GenerateFrameID()
	if id1 == id2 {
		t.Error("two calls to GenerateFrameID should produce different IDs")
	}
}

func TestCodecJSONRoundtrip(t *testing.T) {
	t.Parallel()

	codec := JSONCodec{}
	if codec.Name() != CodecNameJSON {
		t.Errorf("Name = %q, want %q", codec.Name(), CodecNameJSON)
	}

	original := &Frame{
		ID:        "test-1",
		Type:      FrameRequest,
		Method:    MethodLeaseClaim,
		Token:     "secret",
		Data:      json.RawMessage(`{"job_type":"convert","count":2}`),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, original.ID)
	}
	if decoded.Type != original.Type {
		t.Errorf("Type = %q, want %q", decoded.Type, original.Type)
	}
	if decoded.Method != original.Method {
		t.Errorf("Method = %q, want %q", decoded.Method, original.Method)
	}
	if decoded.Token != original.Token {
		t.Errorf("Token = %q, want %q", decoded.Token, original.Token)
	}
	if string(decoded.Data) != string(original.Data) {
		t.Errorf("Data = %s, want %s", decoded.Data, original.Data)
	}
}

func TestCodecMsgpackRoundtrip(t *testing.T) {
	t.Parallel()

	codec := MsgpackCodec{}
	if codec.Name() != CodecNameMsgpack {
		t.Errorf("Name = %q, want %q", codec.Name(), CodecNameMsgpack)
	}

	original := &Frame{
		ID:        "test-2",
		Type:      FrameResponse,
		CorrelID:  "correl-1",
		Data:      json.RawMessage(`{"result":"ok"}`),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, original.ID)
	}
	if decoded.Type != original.Type {
		t.Errorf("Type = %q, want %q", decoded.Type, original.Type)
	}
	if decoded.CorrelID != original.CorrelID {
		t.Errorf("CorrelID = %q, want %q", decoded.CorrelID, original.CorrelID)
	}
}

func TestCodecErrorFrame(t *testing.T) {
	t.Parallel()

	codecs := []Codec{JSONCodec{}, MsgpackCodec{}}

	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			original := &Frame{
				ID:       "err-1",
				Type:     FrameErr,
				CorrelID: "req-1",
				Error: &ErrorDetail{
					Code:    500,
					Message: "internal error",
					Details: "stack trace here",
				},
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			}

			data, err := codec.Encode(original)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			decoded, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if decoded.Error == nil {
				t.Fatal("Error should not be nil")
			}
			if decoded.Error.Code != 500 {
				t.Errorf("Error.Code = %d, want %d", decoded.Error.Code, 500)
			}
			if decoded.Error.Message != "internal error" {
				t.Errorf("Error.Message = %q, want %q", decoded.Error.Message, "internal error")
			}
			if decoded.Error.Details != "stack trace here" {
				t.Errorf("Error.Details = %q, want %q", decoded.Error.Details, "stack trace here")
			}
		})
	}
}

func TestParseCodec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
		binary bool
	}{
		{"json", CodecNameJSON, false},
		{"msgpack", CodecNameMsgpack, true},
		{"", CodecNameJSON, false},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			codec, err := ParseCodec(tt.format)
			if err != nil {
				t.Fatalf("ParseCodec(%q): %v", tt.format, err)
			}
			if codec.Name() != tt.want || codec.Binary() != tt.binary {
				t.Errorf("ParseCodec(%q) = %s binary=%v, want %s binary=%v", tt.format, codec.Name(), codec.Binary(), tt.want, tt.binary)
			}
			if got := CodecFor(tt.binary).Name(); got != tt.want {
				t.Errorf("CodecFor(%v) = %s, want %s", tt.binary, got, tt.want)
			}
		})
	}

	if _, err := ParseCodec("protobuf"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("ParseCodec(protobuf) error = %v, want ErrUnknownFormat", err)
	}
}

func TestCodecRejectsOversizedClaim(t *testing.T) {
	t.Parallel()

	resp, err := NewResponseFrame("req-1", []*job.Job{{
		Type:    "convert",
		Payload: make([]byte, MaxFrameSize),
	}})
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			if _, err := codec.Encode(resp); !errors.Is(err, ErrFrameTooLarge) {
				t.Errorf("Encode error = %v, want ErrFrameTooLarge", err)
			}
			if _, err := codec.Decode(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
				t.Errorf("Decode error = %v, want ErrFrameTooLarge", err)
			}
		})
	}
}

func TestCodecRejectsUntypedFrame(t *testing.T) {
	t.Parallel()

	data, err := MsgpackCodec{}.Encode(&Frame{ID: "f1", Method: MethodLeaseFree})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := (MsgpackCodec{}).Decode(data); err == nil {
		t.Error("msgpack Decode accepted a frame with no type")
	}
	if _, err := (JSONCodec{}).Decode([]byte(`{"id":"f1","method":"lease.free"}`)); err == nil {
		t.Error("json Decode accepted a frame with no type")
	}
}

func TestFramePayloadTypes(t *testing.T) {
	t.Parallel()

	t.Run("AuthRequest", func(t *testing.T) {
		req := AuthRequest{Token: "test-token", Format: "json"}
		data, err := json.Marshal(req)
		if err != nil {
			t.Fatal(err)
		}
		var decoded AuthRequest
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded.Token != req.Token {
			t.Errorf("Token = %q, want %q", decoded.Token, req.Token)
		}
	})

	t.Run("LeaseClaimRequest", func(t *testing.T) {
		req := LeaseClaimRequest{
			LockKey:            job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 3},
			JobType:            "convert",
			Count:              4,
			MaxExecutionTimeMs: 1500,
			Filter:             job.Filter{PartnerIDs: []int64{7}},
		}
		data, err := json.Marshal(req)
		if err != nil {
			t.Fatal(err)
		}
		var decoded LeaseClaimRequest
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded.LockKey != req.LockKey {
			t.Errorf("LockKey = %+v, want %+v", decoded.LockKey, req.LockKey)
		}
		if decoded.MaxExecutionTime() != 1500*time.Millisecond {
			t.Errorf("MaxExecutionTime = %v, want 1.5s", decoded.MaxExecutionTime())
		}
		if len(decoded.Filter.PartnerIDs) != 1 || decoded.Filter.PartnerIDs[0] != 7 {
			t.Errorf("Filter = %+v", decoded.Filter)
		}
	})

	t.Run("LeaseFreeRequest", func(t *testing.T) {
		msg := "done"
		req := LeaseFreeRequest{
			JobID:   "job_01h455vb4pex5vsknk084sn02q",
			JobType: "convert",
			Status:  job.StatusFinished,
			Message: &msg,
		}
		data, err := json.Marshal(req)
		if err != nil {
			t.Fatal(err)
		}
		var decoded LeaseFreeRequest
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded.Status != job.StatusFinished {
			t.Errorf("Status = %q, want finished", decoded.Status)
		}
		if decoded.Message == nil || *decoded.Message != msg {
			t.Errorf("Message = %v, want %q", decoded.Message, msg)
		}
	})
}

func TestNewEventFrame(t *testing.T) {
	frame, err := NewEventFrame("job:job_1", map[string]string{"type": "lease.claimed"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if frame.Type != FrameEvent {
		t.Errorf("Type = %q, want %q", frame.Type, FrameEvent)
	}
	if frame.Channel != "job:job_1" {
		t.Errorf("Channel = %q, want job:job_1", frame.Channel)
	}
	if frame.ID == "" || frame.Timestamp.IsZero() {
		t.Error("event frame should carry an ID and timestamp")
	}

	codec := MsgpackCodec{}
	data, err := codec.Encode(&Frame{ID: "c1", Type: FrameCredit, Credits: 64})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != FrameCredit || decoded.Credits != 64 {
		t.Errorf("decoded = %+v, want credit frame with 64 credits", decoded)
	}
}
