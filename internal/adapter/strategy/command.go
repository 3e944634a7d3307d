package strategy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

var errNoOutput = errors.New("produced no usable file")

// CommandRunner executes an external program in dir and returns its
// combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// runIsolated runs the command in a fresh directory next to stagingPath and
// moves the file chosen by pick onto stagingPath. Partial output never
// reaches stagingPath.
func runIsolated(ctx context.Context, runner CommandRunner, stagingPath, name string, args func(dir string) []string, pick func([]string) string) error {
	tempDir, err := os.MkdirTemp(filepath.Dir(stagingPath), "run-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	output, err := runner.Run(ctx, tempDir, name, args(tempDir)...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out := strings.TrimSpace(string(output))
		return classify(fmt.Errorf("%s failed: %w: %s", name, err, lastLine(out)), out)
	}

	files, err := listFiles(tempDir)
	if err != nil {
		return err
	}
	chosen := pick(files)
	if chosen == "" {
		return fmt.Errorf("%s: %w", name, errNoOutput)
	}
	if err := os.Rename(filepath.Join(tempDir, chosen), stagingPath); err != nil {
		return fmt.Errorf("move output to staging: %w", err)
	}
	return nil
}

// listFiles returns the completed regular files of dir, sorted by name.
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".part") || strings.HasSuffix(entry.Name(), ".ytdl") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
