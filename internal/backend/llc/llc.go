// Package llc compiles units with the LLVM command line tools: llvm-link
// merges the demoted modules, opt runs the optimization pipeline and llc
// emits the object.
package llc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/lto/internal/backend"
	"github.com/tinyrange/lto/internal/diag"
	"github.com/tinyrange/lto/internal/irmod"
)

const Name = "llc"

// MinVersion is the oldest LLVM accepted. Older opt binaries lack the
// -passes=default<On> pipeline syntax.
const MinVersion = "v11.0.0"

func init() {
	backend.Register(Name, New)
}

type tools struct {
	link string
	opt  string
	llc  string
}

type Backend struct {
	target    backend.Target
	logger    *slog.Logger
	tools     tools
	keepTemps bool
	version   string
}

var _ backend.Backend = (*Backend)(nil)

// New locates the tools in opts.ToolDir or PATH and checks the LLVM version.
func New(opts backend.Options) (backend.Backend, error) {
	b := &Backend{target: opts.Target, logger: opts.Logger, keepTemps: opts.KeepTemps}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	var err error
	if b.tools.link, err = lookTool(opts.ToolDir, "llvm-link"); err != nil {
		return nil, err
	}
	if b.tools.opt, err = lookTool(opts.ToolDir, "opt"); err != nil {
		return nil, err
	}
	if b.tools.llc, err = lookTool(opts.ToolDir, "llc"); err != nil {
		return nil, err
	}

	out, err := exec.Command(b.tools.llc, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("query %s version: %w", b.tools.llc, err)
	}
	b.version, err = ParseVersion(string(out))
	if err != nil {
		return nil, err
	}
	if semver.Compare(b.version, MinVersion) < 0 {
		return nil, fmt.Errorf("LLVM %s is too old, need %s or newer", b.version, MinVersion)
	}
	b.logger.Debug("using LLVM tools", slog.String("llc", b.tools.llc), slog.String("version", b.version))
	return b, nil
}

// lookTool prefers dir over PATH.
func lookTool(dir, name string) (string, error) {
	if dir != "" {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	return path, nil
}

var versionRe = regexp.MustCompile(`LLVM version (\d+)\.(\d+)(?:\.(\d+))?`)

// ParseVersion extracts the LLVM version from `llc --version` output as a
// semantic version such as v17.0.6.
func ParseVersion(out string) (string, error) {
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no LLVM version in tool output")
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch)
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid LLVM version %s", v)
	}
	return v, nil
}

func (b *Backend) Name() string { return Name }

// Version returns the detected LLVM version.
func (b *Backend) Version() string { return b.version }

func (b *Backend) Partition(mods []*irmod.Module, jobs int) [][]*irmod.Module {
	return backend.RoundRobin(mods, jobs)
}

func (b *Backend) Compile(ctx context.Context, u *backend.Unit, sink diag.Sink) ([]byte, error) {
	if u.Empty() {
		return nil, nil
	}

	dir, err := os.MkdirTemp("", fmt.Sprintf("lto-unit%d-*", u.Index))
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	if b.keepTemps {
		b.logger.Info("keeping unit work directory", slog.Int("unit", u.Index), slog.String("dir", dir))
	} else {
		defer os.RemoveAll(dir)
	}

	var inputs []string
	for i, m := range u.Modules {
		irm, _, err := backend.Demote(m)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, fmt.Sprintf("m%d.ll", i))
		if err := os.WriteFile(path, []byte(irm.String()), 0o644); err != nil {
			return nil, fmt.Errorf("write module %s: %w", m.ID(), err)
		}
		inputs = append(inputs, path)
	}

	linked := filepath.Join(dir, "unit.bc")
	optimized := filepath.Join(dir, "unit.opt.bc")
	object := filepath.Join(dir, "unit.o")

	steps := []struct {
		tool string
		args []string
	}{
		{b.tools.link, append(append([]string{}, inputs...), "-o", linked)},
		{b.tools.opt, OptArgs(u.Target, linked, optimized)},
		{b.tools.llc, LLCArgs(u.Target, optimized, object)},
	}
	for _, step := range steps {
		if err := b.run(ctx, u.Index, sink, step.tool, step.args); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(object)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// run executes one tool. Its stderr becomes warnings on success and part of
// the error on failure.
func (b *Backend) run(ctx context.Context, unit int, sink diag.Sink, tool string, args []string) error {
	b.logger.Debug("running LLVM tool", slog.Int("unit", unit), slog.String("tool", tool), slog.Any("args", args))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s: %w: %s", filepath.Base(tool), err, strings.TrimSpace(stderr.String()))
	}

	for _, line := range strings.Split(stderr.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sink.Report(diag.Diagnostic{Severity: diag.Warning, Unit: unit, Message: filepath.Base(tool) + ": " + line})
	}
	return nil
}

// OptArgs builds the opt command line for the target's optimization level.
func OptArgs(t backend.Target, in, out string) []string {
	args := []string{
		"-passes=default<O" + strconv.Itoa(t.OptLevel) + ">",
		"-mtriple=" + t.Triple,
	}
	return append(args, in, "-o", out)
}

// LLCArgs builds the llc command line that emits an object for t.
func LLCArgs(t backend.Target, in, out string) []string {
	args := []string{
		"-filetype=obj",
		"-mtriple=" + t.Triple,
	}
	if t.CPU != "" {
		args = append(args, "-mcpu="+t.CPU)
	}
	if len(t.Attrs) > 0 {
		args = append(args, "-mattr="+strings.Join(t.Attrs, ","))
	}
	args = append(args,
		"-relocation-model="+t.Reloc.String(),
		"-O"+strconv.Itoa(int(t.CodeGen)),
	)
	if t.FunctionSections {
		args = append(args, "-function-sections")
	}
	if t.DataSections {
		args = append(args, "-data-sections")
	}
	return append(args, in, "-o", out)
}
