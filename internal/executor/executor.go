// Package executor runs a simulation program in an isolated working
// directory and captures everything it produces.
//
// Each run gets a fresh directory seeded with a copy of the input
// tree, so the program can scribble wherever it likes without
// touching the caller's files. After the process exits the whole
// directory is read back, minus anything the transient matcher
// excludes, together with the exact bytes of both streams.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mockcode/internal/artifact"
	"mockcode/internal/ignore"
)

// ProgramKind distinguishes the real simulation binary from a cheap
// stand-in used during test replay.
type ProgramKind string

const (
	KindReal       ProgramKind = "real"
	KindSubstitute ProgramKind = "substitute"
)

// Program identifies what to execute on a cache miss.
type Program struct {
	Kind ProgramKind
	Path string
}

// Configured reports whether a program path has been set.
func (p Program) Configured() bool {
	return p.Path != ""
}

// ChooseProgram picks the substitute when one is configured,
// otherwise the real binary. The zero Program means neither is
// configured; that only becomes an error if a miss forces execution.
func ChooseProgram(real, substitute string) Program {
	if substitute != "" {
		return Program{Kind: KindSubstitute, Path: substitute}
	}
	if real != "" {
		return Program{Kind: KindReal, Path: real}
	}
	return Program{}
}

// Spec describes one execution.
type Spec struct {
	Program  Program
	Args     []string
	InputDir string
	// Env is the base environment, typically the caller's os.Environ.
	// ExtraEnv entries override or extend it.
	Env      []string
	ExtraEnv []string
	// Transient matches relative paths to drop from the captured tree.
	Transient *ignore.Matcher
}

// Outcome is everything one execution produced. A non-zero exit code
// is data, not an error.
type Outcome struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Files    []artifact.File
	Duration time.Duration
}

// ErrNoProgram is returned when a run is requested but neither a real
// nor a substitute program is configured.
var ErrNoProgram = errors.New("no program configured")

// StartError reports that the program could not be launched at all,
// as opposed to launching and then failing.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cannot start program: %v", e.Err)
	}
	return fmt.Sprintf("cannot start %s: %v", e.Path, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// IsStartError reports whether err is a StartError.
func IsStartError(err error) bool {
	var se *StartError
	return errors.As(err, &se)
}

// IsNotFound reports whether err means the program binary does not
// exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// IsPermissionDenied reports whether err means the program binary is
// not executable by the current user.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}

// Local runs programs as child processes on this machine.
type Local struct {
	Log zerolog.Logger
	// WorkRoot overrides where working directories are created.
	// Empty means the system temp directory.
	WorkRoot string
}

// NewLocal returns a Local executor logging to log.
func NewLocal(log zerolog.Logger) *Local {
	return &Local{Log: log}
}

// Run executes spec.Program once and captures the outcome. The input
// tree is copied into a fresh working directory first and the
// directory is removed afterwards. Cancelling ctx kills the program's
// whole process group and returns ctx.Err.
func (l *Local) Run(ctx context.Context, spec Spec) (*Outcome, error) {
	if !spec.Program.Configured() {
		return nil, &StartError{Path: "", Err: ErrNoProgram}
	}

	workdir, err := os.MkdirTemp(l.WorkRoot, "mockcode-work-*")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	defer os.RemoveAll(workdir)

	if err := seedTree(spec.InputDir, workdir); err != nil {
		return nil, fmt.Errorf("seed working directory: %w", err)
	}

	path, err := exec.LookPath(spec.Program.Path)
	if err != nil {
		return nil, &StartError{Path: spec.Program.Path, Err: err}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = workdir
	cmd.Env = mergeEnv(spec.Env, spec.ExtraEnv)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group, so cancellation can kill the program and
	// any children it spawned in one signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Path: spec.Program.Path, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return nil, ctx.Err()
	case waitErr = <-done:
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait for %s: %w", spec.Program.Path, waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	files, err := artifact.ReadTree(workdir, spec.Transient)
	if err != nil {
		return nil, fmt.Errorf("capture outputs: %w", err)
	}

	outcome := &Outcome{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Files:    files,
		Duration: time.Since(started),
	}
	l.Log.Debug().
		Str("program", path).
		Str("kind", string(spec.Program.Kind)).
		Int("exitCode", exitCode).
		Int("files", len(files)).
		Dur("duration", outcome.Duration).
		Msg("program executed")
	return outcome, nil
}

// seedTree copies the regular files under src into dst, preserving
// relative layout and permission bits.
func seedTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// mergeEnv returns base with each extra entry replacing an existing
// variable of the same name or appended when absent.
func mergeEnv(base, extra []string) []string {
	merged := make([]string, len(base))
	copy(merged, base)

	for _, entry := range extra {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		replaced := false
		for i, existing := range merged {
			if current, _, _ := strings.Cut(existing, "="); current == name {
				merged[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, entry)
		}
	}
	return merged
}
