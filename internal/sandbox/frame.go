package sandbox

import "encoding/binary"

// Attach-socket stream types, matching the multiplexed wire format.
const (
	streamStdin  byte = 0
	streamStdout byte = 1
	streamStderr byte = 2
)

const frameHeaderSize = 8

// frame is one decoded unit of the attach-socket stream.
type frame struct {
	streamType byte
	payload    []byte
}

// frameDecoder accumulates raw attach-socket bytes and yields complete
// frames. The wire format is an 8-byte header — stream type in byte 0,
// three reserved bytes, then a big-endian uint32 payload length — followed
// by the payload. Partial reads are buffered until a full frame arrives.
type frameDecoder struct {
	buf []byte
}

// feed appends chunk to the internal buffer and returns every frame that is
// now complete, in order. A chunk may complete zero, one, or many frames.
func (d *frameDecoder) feed(chunk []byte) []frame {
	d.buf = append(d.buf, chunk...)

	var frames []frame
	for len(d.buf) >= frameHeaderSize {
		length := binary.BigEndian.Uint32(d.buf[4:8])
		total := frameHeaderSize + int(length)
		if len(d.buf) < total {
			break
		}
		payload := make([]byte, length)
		copy(payload, d.buf[frameHeaderSize:total])
		frames = append(frames, frame{streamType: d.buf[0], payload: payload})
		d.buf = d.buf[total:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}
