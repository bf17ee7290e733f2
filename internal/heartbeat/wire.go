package heartbeat

import (
	"encoding/binary"
	"encoding/json"
	"io"
)

// maxFrameSize bounds a single incoming frame. This protocol's frames are
// tiny (a wait2/cancel request, or a zero-length wakeup reply); anything
// larger indicates a desynced stream.
const maxFrameSize = 64 * 1024

// wireRequest is the client->daemon request frame, grounded on the
// teacher's own framed IPC payload shape (internal/ipc/bridge.go) but with
// this protocol's own fields.
type wireRequest struct {
	Op          string `json:"op"`
	Lo          int    `json:"lo,omitempty"`
	Hi          int    `json:"hi,omitempty"`
	WakeupCount uint64 `json:"wakeup_count,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by
// payload, matching internal/ipc/bridge.go's writeMessageToStream.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func sendRequest(w io.Writer, req wireRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return writeFrame(w, payload)
}

// frameScanner incrementally reassembles length-prefixed frames out of
// whatever chunk sizes the underlying socket happens to deliver.
type frameScanner struct {
	buf []byte
}

func (s *frameScanner) feed(b []byte) {
	s.buf = append(s.buf, b...)
}

// next extracts one complete frame's payload, if one is fully buffered.
func (s *frameScanner) next() (payload []byte, ok bool, err error) {
	if len(s.buf) < 4 {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(s.buf[:4])
	if n > maxFrameSize {
		return nil, false, errFrameTooLarge
	}
	if uint32(len(s.buf)-4) < n {
		return nil, false, nil
	}
	payload = append([]byte(nil), s.buf[4:4+n]...)
	s.buf = s.buf[4+n:]
	return payload, true, nil
}

type frameError string

func (e frameError) Error() string { return string(e) }

const errFrameTooLarge = frameError("heartbeat: frame exceeds maximum size")
