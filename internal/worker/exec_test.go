package worker

import (
	"strings"
	"testing"
)

func TestTailWriterBounds(t *testing.T) {
	t.Parallel()
	w := tailWriter{max: 10}
	for i := 0; i < 20; i++ {
		if _, err := w.Write([]byte("abcde")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	got := w.String()
	if len(got) != 10 {
		t.Fatalf("tail length = %d, want 10", len(got))
	}
	if !strings.HasSuffix("abcdeabcde", got) {
		t.Fatalf("unexpected tail content %q", got)
	}
}

func TestTailWriterLastLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		writes []string
		want   string
	}{
		{name: "terminated line", writes: []string{"one\ntwo\n"}, want: "two"},
		{name: "unterminated final line", writes: []string{"one\ntwo"}, want: "two"},
		{name: "trailing blank lines", writes: []string{"one\n\n  \n"}, want: "one"},
		{name: "line split across writes", writes: []string{"head\n{\"a\":", "1}\n"}, want: `{"a":1}`},
		{name: "empty stream", writes: nil, want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := tailWriter{max: outputTailBytes}
			for _, s := range tt.writes {
				if _, err := w.Write([]byte(s)); err != nil {
					t.Fatalf("write: %v", err)
				}
			}
			if got := w.LastLine(); got != tt.want {
				t.Fatalf("LastLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLastLineSurvivesTailTruncation(t *testing.T) {
	t.Parallel()
	w := tailWriter{max: outputTailBytes}

	// Chatty runner: far more output than the diagnostic tail keeps, then a
	// final summary line.
	filler := strings.Repeat("indexing file...\n", 500)
	if _, err := w.Write([]byte(filler)); err != nil {
		t.Fatalf("write: %v", err)
	}
	const summary = `{"files":12,"chunks":340}`
	if _, err := w.Write([]byte(summary + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if len(w.String()) != outputTailBytes {
		t.Fatalf("tail length = %d, want %d", len(w.String()), outputTailBytes)
	}
	if got := string(summaryFromLine(w.LastLine())); got != summary {
		t.Fatalf("summary = %q, want %q", got, summary)
	}

	// An absurdly long final line is discarded rather than tracked whole.
	w = tailWriter{max: outputTailBytes}
	if _, err := w.Write([]byte("{\"pad\":\"" + strings.Repeat("x", maxSummaryLineBytes+10))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := w.LastLine(); got != "" {
		t.Fatalf("oversized line tracked (%d bytes)", len(got))
	}
}

func TestSummaryFromLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "json object", line: `{"files":12}`, want: `{"files":12}`},
		{name: "padded json", line: `  {"ok":true} `, want: `{"ok":true}`},
		{name: "plain text", line: "all good", want: ""},
		{name: "broken json", line: "{not json", want: ""},
		{name: "json array rejected", line: `[1,2]`, want: ""},
		{name: "empty", line: "", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := string(summaryFromLine(tt.line))
			if got != tt.want {
				t.Fatalf("summaryFromLine(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}
