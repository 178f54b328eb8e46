package mcp

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxSSEEventSize bounds a single event so a misbehaving server cannot grow
// memory without limit.
const maxSSEEventSize = 1 << 20

// sseEvent is one parsed text/event-stream event. An empty Name means the
// default "message" event type.
type sseEvent struct {
	Name string
	Data string
	ID   string
}

func (e *sseEvent) eventName() string {
	if e.Name == "" {
		return "message"
	}
	return e.Name
}

// sseScanner incrementally parses a text/event-stream. Events are
// terminated by a blank line; repeated data fields are joined with "\n";
// comment lines (leading ':') are skipped; an id field with a non-empty
// value is captured. A final event not terminated before EOF is still
// returned, with io.EOF on the following call.
type sseScanner struct {
	r *bufio.Reader
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReader(r)}
}

func (s *sseScanner) Next() (*sseEvent, error) {
	var ev sseEvent
	var data []string
	hasFields := false
	size := 0

	flush := func() *sseEvent {
		ev.Data = strings.Join(data, "\n")
		return &ev
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		atEOF := err == io.EOF

		size += len(line)
		if size > maxSSEEventSize {
			return nil, &TransportError{Message: fmt.Sprintf("SSE event exceeds %d bytes", maxSSEEventSize)}
		}

		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			// Blank line terminates an event, but only dispatch when at
			// least one field was seen: comment-only frames produce nothing.
			if hasFields {
				return flush(), nil
			}
			if atEOF {
				return nil, io.EOF
			}
		case strings.HasPrefix(line, ":"):
			// comment
		default:
			hasFields = true
			field, value, found := strings.Cut(line, ":")
			if found {
				value = strings.TrimPrefix(value, " ")
			}
			switch field {
			case "event":
				ev.Name = value
			case "data":
				data = append(data, value)
			case "id":
				if value != "" {
					ev.ID = value
				}
			default:
				// "retry" and unknown fields are ignored.
			}
		}

		if atEOF {
			if hasFields {
				return flush(), nil
			}
			return nil, io.EOF
		}
	}
}
