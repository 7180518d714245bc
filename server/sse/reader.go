package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/relay/events"
)

const maxFrameBytes = 4 << 20

// Frame is one decoded event-stream frame.
type Frame struct {
	ID    int64 // 0 when the frame carried no id
	Event string
	Data  []byte
}

// BusEvent converts the frame into a bus event.
func (f Frame) BusEvent() events.Event {
	return events.Event{
		ID:   f.ID,
		Type: events.Type(f.Event),
		Data: json.RawMessage(f.Data),
		Time: time.Now().UTC(),
	}
}

// Reader decodes an event stream. Comment frames are skipped.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxFrameBytes)
	return &Reader{sc: sc}
}

// Next returns the next frame, or io.EOF at the end of the stream.
func (r *Reader) Next() (Frame, error) {
	var f Frame
	var data [][]byte
	seen := false
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if !seen {
				continue
			}
			f.Data = bytes.Join(data, []byte("\n"))
			if f.Event == "" {
				f.Event = "message"
			}
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		seen = true
		switch field {
		case "id":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				f.ID = n
			}
		case "event":
			f.Event = value
		case "data":
			data = append(data, []byte(value))
		}
	}
	if err := r.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
