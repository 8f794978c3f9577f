package engine

import (
	"bufio"
	"io"
	"strings"

	"github.com/basket/crpc/internal/shared"
)

// sseReader decodes a text/event-stream body into (event, data) pairs.
type sseReader struct {
	scanner *bufio.Scanner
	body    io.Closer
}

func newSSEReader(body io.ReadCloser) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	return &sseReader{scanner: scanner, body: body}
}

// next returns the next event. io.EOF signals a clean end of stream.
func (r *sseReader) next() (event, data string, err error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if data != "" {
				return event, data, nil
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data != "" {
				data += "\n"
			}
			data += chunk
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", "", shared.Wrap(shared.KindTransient, "read stream", err)
	}
	if data != "" {
		return event, data, nil
	}
	return "", "", io.EOF
}

func (r *sseReader) close() error { return r.body.Close() }
