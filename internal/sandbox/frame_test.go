package sandbox

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func encodeFrame(streamType byte, payload []byte) []byte {
	header := make([]byte, frameHeaderSize)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, payload...)
}

func TestFrameDecoderSingleFrame(t *testing.T) {
	var d frameDecoder
	frames := d.feed(encodeFrame(streamStdout, []byte("hello")))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].streamType != streamStdout {
		t.Errorf("expected stdout stream, got %d", frames[0].streamType)
	}
	if string(frames[0].payload) != "hello" {
		t.Errorf("unexpected payload %q", frames[0].payload)
	}
}

func TestFrameDecoderHeaderAndPayloadSplit(t *testing.T) {
	var d frameDecoder
	wire := encodeFrame(streamStdout, []byte(`{"jsonrpc":"2.0"}`))

	frames := d.feed(wire[:frameHeaderSize])
	if len(frames) != 0 {
		t.Fatalf("expected no frames from header-only chunk, got %d", len(frames))
	}
	frames = d.feed(wire[frameHeaderSize:])
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after payload chunk, got %d", len(frames))
	}
	if string(frames[0].payload) != `{"jsonrpc":"2.0"}` {
		t.Errorf("unexpected payload %q", frames[0].payload)
	}
}

func TestFrameDecoderMidHeaderSplit(t *testing.T) {
	var d frameDecoder
	wire := encodeFrame(streamStderr, []byte("warn"))

	if frames := d.feed(wire[:3]); len(frames) != 0 {
		t.Fatalf("expected no frames from 3-byte chunk, got %d", len(frames))
	}
	frames := d.feed(wire[3:])
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].streamType != streamStderr {
		t.Errorf("expected stderr stream, got %d", frames[0].streamType)
	}
}

func TestFrameDecoderMultipleFramesOneChunk(t *testing.T) {
	var d frameDecoder
	wire := append(encodeFrame(streamStdout, []byte("one")), encodeFrame(streamStderr, []byte("two"))...)

	frames := d.feed(wire)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if string(frames[0].payload) != "one" || string(frames[1].payload) != "two" {
		t.Errorf("unexpected payloads %q, %q", frames[0].payload, frames[1].payload)
	}
}

func TestFrameDecoderEmptyPayload(t *testing.T) {
	var d frameDecoder
	frames := d.feed(encodeFrame(streamStdout, nil))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if len(frames[0].payload) != 0 {
		t.Errorf("expected empty payload, got %q", frames[0].payload)
	}
}

func TestFrameDecoderPayloadNotAliased(t *testing.T) {
	var d frameDecoder
	wire := encodeFrame(streamStdout, []byte("stable"))
	frames := d.feed(wire)
	copy(wire[frameHeaderSize:], "XXXXXX")
	if !bytes.Equal(frames[0].payload, []byte("stable")) {
		t.Errorf("payload aliased the input buffer: %q", frames[0].payload)
	}
}
