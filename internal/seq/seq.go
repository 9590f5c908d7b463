// Package seq renders timing-sequence files from templates and drives the
// external sequence toolchain (trace compiler and sequencer binaries).
package seq

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/coldlab-data/fountain/internal/monitoring"
)

var placeholderRe = regexp.MustCompile(`<PARAMETER(\d+)>`)

// RenderSequence reads the template, substitutes <PARAMETER0>, <PARAMETER1>,
// ... with the given values formatted as %.6f, and writes the result to
// outPath. Placeholders beyond len(params) are left untouched.
func RenderSequence(templatePath, outPath string, params []float64) error {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("read sequence template: %w", err)
	}

	content := string(raw)
	for i, p := range params {
		placeholder := fmt.Sprintf("<PARAMETER%d>", i)
		content = strings.ReplaceAll(content, placeholder, fmt.Sprintf("%.6f", p))
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create sequence dir: %w", err)
	}
	if err := os.WriteFile(outPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write sequence: %w", err)
	}
	return nil
}

// CountPlaceholders returns how many distinct parameters the template
// expects, i.e. one past the highest <PARAMETERn> index found. A template
// with no placeholders returns 0.
func CountPlaceholders(templatePath string) (int, error) {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return 0, fmt.Errorf("read sequence template: %w", err)
	}
	max := -1
	for _, m := range placeholderRe.FindAllStringSubmatch(string(raw), -1) {
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

// Toolchain wraps the external sequence binaries. Both tools take the
// sequence file via -f and are treated as opaque.
type Toolchain struct {
	CompilerPath  string // trace compiler, emits a VCD
	SequencerPath string // executes the sequence on the timing hardware
	LockFile      string // stale lock removed before each sequencer run
	WorkDir       string // cwd for the tools; the compiler drops its VCD here
}

// CompileTrace runs the trace compiler on seqPath and moves the resulting
// VCD to vcdPath. The compiler writes its output next to its working
// directory regardless of the input path, so both the work dir and the
// sequence's own directory are checked.
func (tc *Toolchain) CompileTrace(ctx context.Context, seqPath, vcdPath string) error {
	if err := tc.runTool(ctx, tc.CompilerPath, seqPath); err != nil {
		return fmt.Errorf("trace compiler: %w", err)
	}

	base := filepath.Base(seqPath)
	vcdName := strings.TrimSuffix(base, filepath.Ext(base)) + ".vcd"

	candidates := []string{
		filepath.Join(tc.WorkDir, vcdName),
		strings.TrimSuffix(seqPath, filepath.Ext(seqPath)) + ".vcd",
	}
	var source string
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			source = c
			break
		}
	}
	if source == "" {
		return fmt.Errorf("trace compiler produced no %s", vcdName)
	}

	if sameFile(source, vcdPath) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(vcdPath), 0o755); err != nil {
		return fmt.Errorf("create vcd dir: %w", err)
	}
	os.Remove(vcdPath)
	if err := os.Rename(source, vcdPath); err != nil {
		return fmt.Errorf("relocate vcd: %w", err)
	}
	return nil
}

// RunSequence executes the sequence on the timing hardware. A stale lock
// file left behind by a crashed sequencer blocks the next run, so it is
// removed first.
func (tc *Toolchain) RunSequence(ctx context.Context, seqPath string) error {
	if tc.LockFile != "" {
		if err := os.Remove(tc.LockFile); err != nil && !os.IsNotExist(err) {
			monitoring.Logf("seq: could not remove lock file %s: %v", tc.LockFile, err)
		}
	}
	if err := tc.runTool(ctx, tc.SequencerPath, seqPath); err != nil {
		return fmt.Errorf("sequencer: %w", err)
	}
	return nil
}

func (tc *Toolchain) runTool(ctx context.Context, binary, seqPath string) error {
	cmd := exec.CommandContext(ctx, binary, "-f", seqPath)
	cmd.Dir = tc.WorkDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %w (%s)", filepath.Base(binary), err, msg)
		}
		return fmt.Errorf("%s: %w", filepath.Base(binary), err)
	}
	return nil
}

func sameFile(a, b string) bool {
	aa, err := filepath.Abs(a)
	if err != nil {
		return false
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return false
	}
	return aa == bb
}
