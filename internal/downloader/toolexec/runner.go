// Package toolexec runs the external download tools and inspects what they
// leave on disk.
package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Output captures a finished command.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes a binary with arguments.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// LookupFunc resolves a binary name to a path, like exec.LookPath.
type LookupFunc func(file string) (string, error)

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name and returns its output. A non-zero exit is reported as an
// error carrying the tail of stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if msg := lastLine(out.Stderr); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Resolve returns the path of binary, or "" when it is not installed.
func Resolve(lookup LookupFunc, binary string) string {
	if lookup == nil {
		lookup = exec.LookPath
	}
	if strings.TrimSpace(binary) == "" {
		return ""
	}
	path, err := lookup(binary)
	if err != nil {
		return ""
	}
	return path
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
