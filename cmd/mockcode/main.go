// Command mockcode stands in for a simulation binary inside test
// suites. Invoked in an input folder, it fingerprints the folder and
// its arguments, replays a cached result when one exists, and
// otherwise runs the configured program and caches what it produced.
// Stdout, stderr and the exit code mirror the program byte for byte,
// so callers cannot tell a replay from a real run.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"mockcode/internal/cache"
	"mockcode/internal/config"
	"mockcode/internal/executor"
	"mockcode/internal/ignore"
	"mockcode/internal/journal"
	"mockcode/internal/logging"
	"mockcode/internal/shim"
)

// Exit codes for shim failures. Anything below 125 belongs to the
// wrapped program and passes through verbatim.
const (
	ExitShimFailure      = 125
	ExitPermissionDenied = 126
	ExitNotFound         = 127
)

func main() {
	_ = godotenv.Load()

	workdir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		os.Exit(ExitShimFailure)
	}
	os.Exit(run(os.Args[1:], os.Environ(), workdir, os.Stdout, os.Stderr))
}

// run executes one shim invocation and returns the process exit
// code. On success nothing but the program's own streams reaches
// stdout and stderr; shim failures report a single line to stderr.
func run(args, environ []string, workdir string, stdout, stderr io.Writer) int {
	log, closeLog := buildLogger(environ)
	defer closeLog()

	label, ok := config.LookupEnv(environ, config.EnvLabel)
	if !ok || label == "" {
		fmt.Fprintf(stderr, "Error: %s is not set\n", config.EnvLabel)
		return ExitShimFailure
	}

	action := config.ActionRequire
	if raw, ok := config.LookupEnv(environ, config.EnvConfigAction); ok && raw != "" {
		var err error
		if action, err = config.ParseAction(raw); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitShimFailure
		}
	}

	cfg, err := config.LoadAction(workdir, environ, action)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitShimFailure
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		fmt.Fprintf(stderr, "Error: invalid configuration in %s:\n", cfg.Path)
		for _, p := range problems {
			fmt.Fprintf(stderr, "  - %s\n", p)
		}
		return ExitShimFailure
	}

	code, err := cfg.Code(label, action)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitShimFailure
	}
	policy, err := cfg.ResolvePolicy(environ)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitShimFailure
	}

	sh := &shim.Shim{
		Label:     label,
		Program:   executor.ChooseProgram(code.Executable, code.Substitute),
		Policy:    policy,
		Ignore:    ignore.Compile(code.Ignore),
		Transient: ignore.Compile(code.Transient),
		Store:     cache.NewStore(cfg.CodeCacheDir(label, environ)),
		Executor:  executor.NewLocal(log),
		Log:       log,
	}

	if jpath := cfg.ResolveJournal(environ); jpath != "" {
		j, err := journal.Open(jpath)
		if err != nil {
			log.Warn().Err(err).Str("path", jpath).Msg("journal unavailable")
		} else {
			defer j.Close()
			sh.Recorder = journalRecorder{j}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := sh.Run(ctx, shim.Request{
		Command: args,
		Dir:     workdir,
		Environ: environ,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if executor.IsStartError(err) {
			switch {
			case executor.IsNotFound(err):
				return ExitNotFound
			case executor.IsPermissionDenied(err):
				return ExitPermissionDenied
			}
		}
		return ExitShimFailure
	}

	stdout.Write(res.Stdout)
	stderr.Write(res.Stderr)
	return res.ExitCode
}

// buildLogger returns the shim's logger. Logs go to the file named
// by MOCKCODE_LOG_FILE; without one the shim stays silent, because
// both standard streams belong to the wrapped program.
func buildLogger(environ []string) (zerolog.Logger, func()) {
	path, ok := config.LookupEnv(environ, logging.EnvLogFile)
	if !ok || path == "" {
		return logging.Discard(), func() {}
	}
	log, closeFn, err := logging.File(path, logging.LevelFromEnv(environ))
	if err != nil {
		return logging.Discard(), func() {}
	}
	return log, func() { closeFn() }
}

// journalRecorder adapts the journal to the shim's Recorder.
type journalRecorder struct {
	j *journal.Journal
}

func (r journalRecorder) Record(ctx context.Context, ev shim.Event) error {
	return r.j.Record(ctx, journal.Invocation{
		ID:          ev.ID,
		Label:       ev.Label,
		Fingerprint: ev.Fingerprint,
		Event:       ev.Kind,
		ExitCode:    ev.ExitCode,
		Duration:    ev.Duration,
		StartedAt:   ev.StartedAt,
	})
}
