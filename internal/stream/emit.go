package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrSinkWrite marks a failed write or flush to the client. It is fatal to a
// stream and usually means the client went away.
var ErrSinkWrite = errors.New("sink write failed")

type errorLine struct {
	Error string `json:"error"`
}

type flushErrer interface {
	Flush() error
}

// Emitter writes one JSON object per line and flushes after each line.
// Chunk lines are also kept so a completed stream can be committed as is.
type Emitter struct {
	w       io.Writer
	payload bytes.Buffer
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

func (e *Emitter) Emit(c Chunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode chunk %d: %w", c.Chunk, err)
	}
	b = append(b, '\n')
	if err := e.write(b); err != nil {
		return fmt.Errorf("chunk %d: %w", c.Chunk, err)
	}
	e.payload.Write(b)
	return nil
}

// EmitError writes the terminal error line. It is never part of the payload.
func (e *Emitter) EmitError(cause error) error {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	b, err := json.Marshal(errorLine{Error: msg})
	if err != nil {
		return fmt.Errorf("encode error line: %w", err)
	}
	return e.write(append(b, '\n'))
}

func (e *Emitter) write(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	switch f := e.w.(type) {
	case flushErrer:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: flush: %w", ErrSinkWrite, err)
		}
	case http.Flusher:
		f.Flush()
	}
	return nil
}

// Payload returns the chunk lines written so far.
func (e *Emitter) Payload() []byte {
	return e.payload.Bytes()
}
