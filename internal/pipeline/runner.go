package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Runner executes an analyzer script and streams its stdout lines to the
// callback in order.
type Runner interface {
	Run(ctx context.Context, script string, args []string, onLine func(string)) error
}

// PythonRunner launches analyzers from a script directory with a Python
// interpreter.
type PythonRunner struct {
	// Python is the interpreter binary, e.g. "python3".
	Python string
	// ScriptDir holds the analyzer scripts.
	ScriptDir string
}

// NewPythonRunner builds a runner; an empty python defaults to "python3".
func NewPythonRunner(python, scriptDir string) *PythonRunner {
	if python == "" {
		python = "python3"
	}
	return &PythonRunner{Python: python, ScriptDir: scriptDir}
}

// stderr output is kept to a bounded tail for error reporting.
const stderrTailLimit = 4096

func (r *PythonRunner) Run(ctx context.Context, script string, args []string, onLine func(string)) error {
	path := filepath.Join(r.ScriptDir, script)
	cmd := exec.CommandContext(ctx, r.Python, append([]string{path}, args...)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", script, err)
	}
	slog.Debug("analyzer started", "script", script, "args", args)

	var wg sync.WaitGroup
	var stderrTail strings.Builder
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if stderrTail.Len() < stderrTailLimit {
				stderrTail.WriteString(scanner.Text())
				stderrTail.WriteString("\n")
			}
		}
	}()

	scanner := bufio.NewScanner(stdout)
	// Result lines carry whole JSON documents; the default 64KiB token
	// limit is too small for clustering output.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	scanErr := scanner.Err()

	wg.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		detail := strings.TrimSpace(stderrTail.String())
		if detail != "" {
			return fmt.Errorf("%s: %w: %s", script, waitErr, detail)
		}
		return fmt.Errorf("%s: %w", script, waitErr)
	}
	if scanErr != nil {
		return fmt.Errorf("reading %s output: %w", script, scanErr)
	}
	return nil
}
