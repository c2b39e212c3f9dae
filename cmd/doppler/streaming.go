package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(s)); m {
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (instant, smooth, quiet)", s)
	}
}

// StreamWriter prints generated fragments. Smooth mode batches fragments
// and flushes them at most every flushInterval; quiet mode prints nothing
// until Flush.
type StreamWriter struct {
	mode StreamMode
	out  *bufio.Writer
	raw  bool

	mu            sync.Mutex
	pending       strings.Builder
	text          strings.Builder
	lastFlush     time.Time
	flushInterval time.Duration
}

func NewStreamWriter(w io.Writer, mode StreamMode, raw bool) *StreamWriter {
	return &StreamWriter{
		mode:          mode,
		out:           bufio.NewWriterSize(w, 4096),
		raw:           raw,
		lastFlush:     time.Now(),
		flushInterval: 50 * time.Millisecond,
	}
}

// Write handles one fragment.
func (w *StreamWriter) Write(fragment string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.text.WriteString(fragment)
	switch w.mode {
	case StreamQuiet:
	case StreamSmooth:
		w.pending.WriteString(fragment)
		if time.Since(w.lastFlush) >= w.flushInterval {
			w.flushPending()
		}
	default:
		w.print(fragment)
		_ = w.out.Flush()
	}
}

// Flush writes anything held back and returns the full text.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.mode {
	case StreamQuiet:
		w.print(w.text.String())
	case StreamSmooth:
		w.flushPending()
	}
	_ = w.out.Flush()
	return w.text.String()
}

// must hold mu
func (w *StreamWriter) flushPending() {
	if w.pending.Len() == 0 {
		return
	}
	w.print(w.pending.String())
	_ = w.out.Flush()
	w.pending.Reset()
	w.lastFlush = time.Now()
}

func (w *StreamWriter) print(s string) {
	if w.raw {
		s = escapeRaw(s)
	}
	_, _ = w.out.WriteString(s)
}

// escapeRaw makes control characters and invalid bytes visible.
func escapeRaw(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '�' && !strings.HasPrefix(s[i:], "�"):
			fmt.Fprintf(&b, `\x%02x`, s[i])
		case strconv.IsPrint(r):
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, `\u%04x`, r)
		}
	}
	return b.String()
}
