package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"

	logx "ragsyncd/pkg/logx"
)

// outputTailBytes bounds captured runner output so a chatty runner cannot
// grow daemon memory without bound.
const outputTailBytes = 2000

// maxSummaryLineBytes bounds the tracked final stdout line. A line past this
// size is never a summary blob; tracking it whole would defeat the tail bound.
const maxSummaryLineBytes = 64 * 1024

// execRunner returns the default Runner: a blocking subprocess invocation of
// the external job runner. Exit code 0 means success; anything else,
// including a failure to start the process at all, is a failed result.
// Errors never propagate as panics or crashes.
func execRunner(cmdName string, log logx.Logger) Runner {
	return func(ctx context.Context, job Job) JobResult {
		args := []string{
			"--repo", job.Repo.Path,
			"--workspace", job.Repo.WorkspacePath,
		}
		if p := strings.TrimSpace(job.Repo.Profile); p != "" {
			args = append(args, "--profile", p)
		}

		var stdout, stderr tailWriter
		stdout.max = outputTailBytes
		stderr.max = outputTailBytes

		cmd := exec.CommandContext(ctx, cmdName, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		res := JobResult{
			StdoutTail: stdout.String(),
			StderrTail: stderr.String(),
		}
		res.Summary = summaryFromLine(stdout.LastLine())

		if err == nil {
			res.Success = true
			res.ExitCode = 0
			return res
		}

		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			res.ErrorReason = "runner exited " + ee.String()
		} else {
			// Could not start, or was killed before producing an exit code.
			res.ExitCode = -1
			res.ErrorReason = err.Error()
		}
		return res
	}
}

// summaryFromLine treats the runner's last non-empty stdout line as an
// opaque summary blob when it is a JSON object. Runners that don't emit one
// simply get no summary.
func summaryFromLine(line string) json.RawMessage {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return nil
	}
	return json.RawMessage(line)
}

// tailWriter keeps only the last max bytes written for diagnostics, and
// separately tracks the most recent complete non-empty line of the whole
// stream. The line survives tail truncation so a summary emitted after lots
// of chatty output is never clipped mid-token.
type tailWriter struct {
	max int
	buf []byte

	cur      []byte
	curOver  bool
	lastLine string
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if w.max > 0 && len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}

	for _, b := range p {
		if b == '\n' {
			if !w.curOver {
				if line := strings.TrimSpace(string(w.cur)); line != "" {
					w.lastLine = line
				}
			}
			w.cur = w.cur[:0]
			w.curOver = false
			continue
		}
		if w.curOver {
			continue
		}
		w.cur = append(w.cur, b)
		if len(w.cur) > maxSummaryLineBytes {
			w.cur = w.cur[:0]
			w.curOver = true
		}
	}
	return len(p), nil
}

func (w *tailWriter) String() string { return string(w.buf) }

// LastLine returns the stream's final non-empty line, whether or not it was
// newline-terminated.
func (w *tailWriter) LastLine() string {
	if !w.curOver {
		if line := strings.TrimSpace(string(w.cur)); line != "" {
			return line
		}
	}
	return w.lastLine
}
