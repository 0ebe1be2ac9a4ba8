package wiresocket

import (
	"encoding/binary"
	"fmt"
)

// packFrames concatenates a multi-part message into one byte slice: a
// uint32 frame count, then for each frame a uint32 length followed by its
// bytes. The whole result becomes the plaintext of exactly one NaCl box
// seal, and that sealed blob becomes exactly one WebSocket binary message.
func packFrames(frames [][]byte) []byte {
	size := 4
	for _, f := range frames {
		size += 4 + len(f)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf, uint32(len(frames)))
	off := 4
	for _, f := range frames {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(f)))
		off += 4
		copy(buf[off:], f)
		off += len(f)
	}
	return buf
}

// unpackFrames reverses packFrames. A malformed envelope returns an error
// rather than panicking; the caller treats it the same as any other
// malformed-frame condition and discards it without closing the connection.
func unpackFrames(buf []byte) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("wiresocket: envelope too short for frame count")
	}
	count := binary.BigEndian.Uint32(buf)
	if uint64(count)*4 > uint64(len(buf)-4) {
		return nil, fmt.Errorf("wiresocket: envelope too short for %d frames", count)
	}
	off := 4
	frames := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("wiresocket: envelope truncated at frame %d length", i)
		}
		length := binary.BigEndian.Uint32(buf[off:])
		off += 4
		if off+int(length) > len(buf) {
			return nil, fmt.Errorf("wiresocket: envelope truncated at frame %d body", i)
		}
		frame := make([]byte, length)
		copy(frame, buf[off:off+int(length)])
		frames = append(frames, frame)
		off += int(length)
	}
	if off != len(buf) {
		return nil, fmt.Errorf("wiresocket: envelope has %d trailing bytes", len(buf)-off)
	}
	return frames, nil
}
