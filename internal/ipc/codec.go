package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/slok/pkgworker/internal/model"
)

const maxLineSize = 1024 * 1024

// Decoder reads JSON-lines inbound messages.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Decode reads the next message. Malformed lines return an ErrNotValid error and
// the decoder can keep being used, io.EOF is returned when the stream ends.
func (d *Decoder) Decode() (Inbound, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return Inbound{}, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg Inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			return Inbound{}, fmt.Errorf("malformed message: %s: %w", err, model.ErrNotValid)
		}
		return msg, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			// Discard the rest of the line.
			for isPrefix {
				_, isPrefix, err = d.r.ReadLine()
				if err != nil {
					return nil, err
				}
			}
			return nil, fmt.Errorf("message bigger than %d bytes: %w", maxLineSize, model.ErrNotValid)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// Encoder writes JSON-lines outbound messages, it's safe to use concurrently.
type Encoder struct {
	enc *json.Encoder
	mu  sync.Mutex
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes a message on its own line.
func (e *Encoder) Encode(msg Outbound) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(msg)
}
