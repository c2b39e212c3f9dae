package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	log.Debug("dropped too")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}

	log.Warn("kept", "layer", 3)
	out := buf.String()
	if !strings.Contains(out, `"msg":"kept"`) || !strings.Contains(out, `"layer":3`) {
		t.Fatalf("unexpected JSON output: %s", out)
	}
	if log.Enabled(slog.LevelInfo) {
		t.Fatalf("Enabled(info) should be false at warn level")
	}
}

func TestComponent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Component(JSON(&buf, slog.LevelInfo), "kvcache")
	log.Info("allocated", "pages", 4)

	out := buf.String()
	if !strings.Contains(out, `"component":"kvcache"`) {
		t.Fatalf("expected component attr, got: %s", out)
	}
	if Component(nil, "x") == nil {
		t.Fatal("Component(nil) returned nil")
	}
}

func TestNopDiscards(t *testing.T) {
	t.Parallel()
	log := Nop()
	log.Error("nothing happens")
	if log.Enabled(slog.LevelError) {
		t.Fatal("nop logger should report every level disabled")
	}
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "upper", input: "DEBUG", want: slog.LevelDebug},
		{name: "empty", input: "", want: slog.LevelInfo},
		{name: "warning alias", input: "warning", want: slog.LevelWarn},
		{name: "error", input: "error", want: slog.LevelError},
		{name: "unknown", input: "verbose", want: slog.LevelInfo, wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseLevel(tc.input)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestNewWithFormat(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"pretty", "json", "text", ""} {
		var buf bytes.Buffer
		log, err := NewWithFormat(&buf, format, "info")
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		log.Info("hello")
		if !strings.Contains(buf.String(), "hello") {
			t.Fatalf("format %q: missing message in %q", format, buf.String())
		}
	}
	if _, err := NewWithFormat(&bytes.Buffer{}, "xml", "info"); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := NewWithFormat(&bytes.Buffer{}, "json", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestPrettyPlainOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)
	log.Debug("decode step", "token", 42, "path", "fused")

	out := buf.String()
	if strings.Contains(out, "\033[") {
		t.Fatalf("expected no ANSI codes for non-terminal writer, got: %q", out)
	}
	for _, want := range []string{"DEBUG", "decode step", "token=42", "path=fused"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestPrettyHandlerGroups(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		build func(h *PrettyHandler) slog.Handler
		want  string
	}{
		{
			name:  "single group",
			build: func(h *PrettyHandler) slog.Handler { return h.WithGroup("cache") },
			want:  "cache.key=val",
		},
		{
			name:  "nested groups",
			build: func(h *PrettyHandler) slog.Handler { return h.WithGroup("a").WithGroup("b") },
			want:  "a.b.key=val",
		},
		{
			name: "attrs before group keep their prefix",
			build: func(h *PrettyHandler) slog.Handler {
				return h.WithAttrs([]slog.Attr{slog.String("svc", "api")}).WithGroup("g")
			},
			want: "svc=api g.key=val",
		},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		slog.New(tc.build(NewPrettyHandler(&buf, nil))).Info("m", "key", "val")
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("%s: expected %q in %q", tc.name, tc.want, buf.String())
		}
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, nil)).Info("m", "a", "hello world", "b", "simple", "c", "")

	out := buf.String()
	for _, want := range []string{`a="hello world"`, "b=simple", `c=""`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestPrettyEmptyGroupIsIdentity(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	if h.WithGroup("") != slog.Handler(h) {
		t.Fatal("WithGroup(\"\") should return the receiver")
	}
}
