package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewRequestFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewRequestFrame("frame-1", MethodThreadGet, ThreadRequest{ThreadID: "thr_x"})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	if frame.ID != "frame-1" || frame.Type != FrameRequest || frame.Method != MethodThreadGet {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
	var req ThreadRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		t.Fatal(err)
	}
	if req.ThreadID != "thr_x" {
		t.Errorf("thread_id = %q", req.ThreadID)
	}

	bare, err := NewRequestFrame("frame-2", MethodStats, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bare.Data != nil {
		t.Errorf("nil payload encoded as %s", bare.Data)
	}
}

func TestNewResponseAndErrorFrames(t *testing.T) {
	t.Parallel()

	resp, err := NewResponseFrame("correl-1", map[string]string{"status": "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != FrameResponse || resp.CorrelID != "correl-1" || resp.ID == "" {
		t.Errorf("response = %+v", resp)
	}

	errFrame := NewErrorFrame("correl-2", ErrCodeNotFound, "thread not found")
	if errFrame.Type != FrameErr || errFrame.Error.Code != ErrCodeNotFound {
		t.Errorf("error frame = %+v", errFrame)
	}
}

func TestNewEventFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewEventFrame("thread:thr_1", map[string]int{"exec_count": 2})
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != FrameEvent || frame.Channel != "thread:thr_1" {
		t.Errorf("event frame = %+v", frame)
	}
}

func TestGenerateFrameIDUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 1000 {
		fid := GenerateFrameID()
		if seen[fid] {
			t.Fatalf("duplicate frame ID %q", fid)
		}
		seen[fid] = true
	}
}

func TestCodecs(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &Frame{
		ID:        "f1",
		Type:      FrameErr,
		CorrelID:  "r1",
		Data:      json.RawMessage(`{"thread_id":"thr_1"}`),
		Error:     &ErrorDetail{Code: ErrCodeConflict, Message: "busy"},
		Channel:   "threads",
		Credits:   5,
		Timestamp: ts,
	}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Encode(in)
			if err != nil {
				t.Fatal(err)
			}
			out, err := codec.Decode(data)
			if err != nil {
				t.Fatal(err)
			}
			if out.ID != in.ID || out.CorrelID != in.CorrelID || out.Channel != in.Channel || out.Credits != 5 {
				t.Errorf("decoded = %+v", out)
			}
			if string(out.Data) != string(in.Data) {
				t.Errorf("data = %s", out.Data)
			}
			if out.Error == nil || out.Error.Code != ErrCodeConflict {
				t.Errorf("error = %+v", out.Error)
			}
			if !out.Timestamp.Equal(ts) {
				t.Errorf("timestamp = %v", out.Timestamp)
			}
		})
	}
}

func TestGetCodec(t *testing.T) {
	t.Parallel()

	if GetCodec("msgpack").Name() != CodecNameMsgpack || !GetCodec("msgpack").Binary() {
		t.Error("msgpack codec not selected")
	}
	for _, name := range []string{"", "json", "protobuf"} {
		if c := GetCodec(name); c.Name() != CodecNameJSON || c.Binary() {
			t.Errorf("GetCodec(%q) = %s", name, c.Name())
		}
	}
	if _, err := (JSONCodec{}).Decode([]byte("{")); err == nil {
		t.Error("expected decode error")
	}
}
