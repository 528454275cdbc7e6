// Package sse reads server-sent event streams and implements the assistant backend
// protocol spoken over them.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Reader splits an event stream into frames.
type Reader struct {
	r *bufio.Reader
}

const maxLine = 1 << 20

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame. It returns io.EOF once the stream is exhausted; a frame
// that is not terminated by a blank line before EOF is still returned.
func (r *Reader) Next() (Frame, error) {
	var (
		f       Frame
		data    []string
		hasData bool
	)
	for {
		line, err := r.readLine()
		if err != nil {
			if err == io.EOF && (hasData || f.Event != "") {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
			return Frame{}, err
		}
		if line == "" {
			if !hasData && f.Event == "" {
				continue
			}
			f.Data = strings.Join(data, "\n")
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			f.ID = value
		}
	}
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := r.r.ReadLine()
		if err != nil {
			if sb.Len() > 0 && err == io.EOF {
				return sb.String(), nil
			}
			return "", err
		}
		if sb.Len()+len(chunk) > maxLine {
			return "", bufio.ErrTooLong
		}
		sb.Write(chunk)
		if !isPrefix {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
	}
}
