package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "": slog.LevelInfo,
		"warn": slog.LevelWarn, "warning": slog.LevelWarn, " error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestWithTagsComponent(t *testing.T) {
	prev := L()
	defer Set(prev)
	var buf bytes.Buffer
	Set(New("json", slog.LevelInfo, &buf))
	With("mcp2517fd").Info("begin_ok")
	if s := buf.String(); !strings.Contains(s, `"component":"mcp2517fd"`) || !strings.Contains(s, `"msg":"begin_ok"`) {
		t.Fatalf("unexpected log line %q", s)
	}
}
