package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter writes a generation as server-sent events: created, one
// delta per fragment, then completed or failed.
type SSEStreamWriter struct {
	w             io.Writer
	flusher       func()
	startingAfter int
	seq           int
	index         int
	begun         bool
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &SSEStreamWriter{
		w:             res,
		flusher:       flusher.Flush,
		startingAfter: parseStartingAfter(c.QueryParam("starting_after")),
		seq:           1,
	}, nil
}

func (s *SSEStreamWriter) Begin(resp GenerateResponse) error {
	s.begun = true
	resp.Status = "in_progress"
	return s.emit(streamEvent{Type: "generation.created", Generation: &resp})
}

func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

// EmitFragment sends one decoded fragment.
func (s *SSEStreamWriter) EmitFragment(id, delta string) error {
	ev := streamEvent{Type: "generation.delta", ID: id, Index: s.index, Delta: delta}
	s.index++
	return s.emit(ev)
}

func (s *SSEStreamWriter) Complete(resp GenerateResponse) error {
	resp.Status = "completed"
	return s.emit(streamEvent{Type: "generation.completed", Generation: &resp})
}

func (s *SSEStreamWriter) Failed(resp GenerateResponse, err error) error {
	resp.Status = "failed"
	if resp.Error == nil {
		_, typ := classify(err)
		resp.Error = &ResponseError{Message: err.Error(), Type: typ}
	}
	return s.emit(streamEvent{Type: "generation.failed", Generation: &resp})
}

func (s *SSEStreamWriter) emit(ev streamEvent) error {
	ev.SequenceNumber = s.seq
	if err := s.send(ev); err != nil {
		return err
	}
	s.flush()
	s.seq++
	return nil
}

func (s *SSEStreamWriter) send(payload any) error {
	if s.startingAfter >= s.seq {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "data: %s\n\n", b)
	return err
}

func (s *SSEStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}

func parseStartingAfter(v string) int {
	if v == "" {
		return 0
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
