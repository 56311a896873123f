package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/ashureev/folio-agent/internal/domain"
)

// MaxLineBytes bounds a single buffered line.
const MaxLineBytes = 1024 * 1024

// ErrLineTooLong is returned when a line exceeds MaxLineBytes without a newline.
var ErrLineTooLong = errors.New("stream line too long")

// Decoder turns arbitrarily split SSE bytes into events. Bytes are buffered,
// complete lines are processed, and a trailing partial line is kept for the
// next Feed. Malformed data lines are counted and skipped.
type Decoder struct {
	buf         []byte
	pendingType string
	malformed   int
}

// Feed consumes one chunk and returns the events completed by it.
func (d *Decoder) Feed(chunk []byte) ([]domain.StreamEvent, error) {
	d.buf = append(d.buf, chunk...)

	var events []domain.StreamEvent
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(d.buf[:i]), "\r")
		d.buf = d.buf[i+1:]
		if ev, ok := d.line(line); ok {
			events = append(events, ev)
		}
	}
	if len(d.buf) > MaxLineBytes {
		d.buf = nil
		return events, ErrLineTooLong
	}
	return events, nil
}

// Malformed returns how many data lines were skipped.
func (d *Decoder) Malformed() int {
	return d.malformed
}

// Pending reports whether a partial line is buffered.
func (d *Decoder) Pending() bool {
	return len(d.buf) > 0
}

func (d *Decoder) line(line string) (domain.StreamEvent, bool) {
	switch {
	case line == "":
		d.pendingType = ""
		return domain.StreamEvent{}, false
	case strings.HasPrefix(line, ":"):
		return domain.StreamEvent{}, false
	case strings.HasPrefix(line, "event:"):
		d.pendingType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return domain.StreamEvent{}, false
	case strings.HasPrefix(line, "data:"):
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		ev, err := domain.DecodeStreamEvent(d.pendingType, []byte(data))
		if err != nil {
			d.malformed++
			return domain.StreamEvent{}, false
		}
		return ev, true
	default:
		// id:, retry: and unknown fields carry nothing for this protocol.
		return domain.StreamEvent{}, false
	}
}

// Reader pulls events from an io.Reader through a Decoder.
type Reader struct {
	src     io.Reader
	dec     Decoder
	queue   []domain.StreamEvent
	readBuf []byte
	err     error
}

// NewReader reads SSE frames from src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, readBuf: make([]byte, 4096)}
}

// Next returns the next decoded event. It returns io.EOF when the source ends
// cleanly and the source error otherwise; a trailing partial line is dropped.
func (r *Reader) Next() (domain.StreamEvent, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			return domain.StreamEvent{}, r.err
		}
		n, err := r.src.Read(r.readBuf)
		if n > 0 {
			events, feedErr := r.dec.Feed(r.readBuf[:n])
			r.queue = append(r.queue, events...)
			if feedErr != nil && err == nil {
				err = feedErr
			}
		}
		if err != nil {
			r.err = err
		}
	}
	ev := r.queue[0]
	r.queue = r.queue[1:]
	return ev, nil
}

// Malformed returns how many data lines were skipped so far.
func (r *Reader) Malformed() int {
	return r.dec.Malformed()
}
