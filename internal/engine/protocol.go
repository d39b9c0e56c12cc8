package engine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/fsbatch/internal/model"
)

// MaxMessageSize is the maximum allowed bridge frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Host→engine message types.
const (
	MsgTypeSetup   = "setup"
	MsgTypeCompute = "compute"
)

// Message is the envelope for every host→engine frame. The host sends one
// "setup" message right after launch, then one "compute" message per load case.
// Rebar on a compute message replaces the setup's bar diameter and count for
// that computation only.
type Message struct {
	Type  string       `json:"type"`
	Setup *Setup       `json:"setup,omitempty"`
	Loads [5]float64   `json:"loads"`
	Rebar *model.Rebar `json:"rebar,omitempty"`
}

// Reply is the engine's answer to a single message.
type Reply struct {
	OK     bool      `json:"ok"`
	Values []float64 `json:"values,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// WriteFrame writes v as one length-prefixed JSON frame: a 4-byte big-endian
// length followed by the payload. Header and payload go out in a single
// Write so a dying peer never sees half a header.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r into v. A stream that ends before or
// inside a frame reports an error wrapping io.EOF or io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxMessageSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
