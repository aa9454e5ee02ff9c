// Package shim decides, for one program invocation, whether to
// replay a cached result or execute the program and cache what it
// produces.
//
// The decision flow is fixed: fingerprint the inputs, look the
// fingerprint up, and either restore the cached bundle or run the
// program, commit the outcome, and restore that. Policies bend the
// flow at the edges (read-only skips the commit, force-execute skips
// the lookup) but never change what a hit or a miss means.
package shim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mockcode/internal/artifact"
	"mockcode/internal/cache"
	"mockcode/internal/config"
	"mockcode/internal/executor"
	"mockcode/internal/fingerprint"
	"mockcode/internal/ignore"
)

// Store is the cache surface the shim needs. Lookup returns (nil,
// nil) on a miss. cache.Store and cache.Memoized both satisfy it.
type Store interface {
	Lookup(fp fingerprint.Fingerprint) (*artifact.Bundle, error)
	Commit(fp fingerprint.Fingerprint, b *artifact.Bundle, info cache.CommitInfo) error
}

// Executor runs the program on a cache miss.
type Executor interface {
	Run(ctx context.Context, spec executor.Spec) (*executor.Outcome, error)
}

// Recorder receives one event per invocation. Implementations must
// tolerate being called after the run's context is cancelled.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Event kinds, one per invocation outcome.
const (
	EventHit      = "hit"
	EventMiss     = "miss"
	EventConflict = "conflict"
	EventError    = "error"
)

// Event describes how one invocation ended.
type Event struct {
	ID          string
	Label       string
	Fingerprint string
	Kind        string
	ExitCode    int
	Duration    time.Duration
	StartedAt   time.Time
}

// Source says where a result came from.
type Source string

const (
	SourceReplay    Source = "replay"
	SourceExecution Source = "execution"
)

// Request is one invocation to satisfy.
type Request struct {
	// Command is the full token list the program receives as
	// arguments. It is part of the fingerprint verbatim.
	Command []string
	// Dir is the input folder. On success the output files land
	// here, next to the inputs.
	Dir string
	// Environ is the caller's environment, passed through to the
	// program on execution.
	Environ []string
}

// Result is what the caller relays to its own stdout, stderr and
// exit code.
type Result struct {
	Fingerprint fingerprint.Fingerprint
	Source      Source
	ExitCode    int
	Stdout      []byte
	Stderr      []byte
	// Restored counts output files written into the input folder.
	Restored int
	// CacheWarning is set when the result is valid but could not be
	// cached. The invocation still succeeds.
	CacheWarning error
}

// Shim wires one labeled program to its cache.
type Shim struct {
	Label   string
	Program executor.Program
	Policy  config.Policy
	// Ignore excludes input paths from fingerprinting.
	Ignore *ignore.Matcher
	// Transient excludes produced paths from capture.
	Transient *ignore.Matcher

	Store    Store
	Executor Executor
	// Recorder is optional; nil disables journaling.
	Recorder Recorder
	Log      zerolog.Logger
}

// New returns a shim for label with the default write-through policy
// and no logging.
func New(label string, store Store, ex Executor) *Shim {
	return &Shim{
		Label:    label,
		Policy:   config.PolicyWriteThrough,
		Store:    store,
		Executor: ex,
		Log:      zerolog.Nop(),
	}
}

// Run satisfies req. A non-zero exit code inside the Result is a
// normal outcome; the error return is reserved for the shim's own
// machinery failing, including cache conflicts, which are fatal so
// that nondeterministic programs surface instead of flapping.
func (s *Shim) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	id := uuid.NewString()
	log := s.Log.With().Str("invocation", id).Str("label", s.Label).Logger()

	fp, err := fingerprint.Compute(fingerprint.Request{
		Command: req.Command,
		Dir:     req.Dir,
		Exclude: s.Ignore,
	})
	if err != nil {
		s.record(ctx, log, Event{ID: id, Kind: EventError, ExitCode: -1, StartedAt: started})
		return nil, fmt.Errorf("fingerprint inputs: %w", err)
	}
	log = log.With().Str("fingerprint", fp.Short()).Logger()

	if s.Policy != config.PolicyForceExecute {
		bundle, err := s.Store.Lookup(fp)
		if err != nil {
			s.record(ctx, log, Event{ID: id, Fingerprint: fp.String(), Kind: EventError, ExitCode: -1, StartedAt: started})
			return nil, fmt.Errorf("cache lookup: %w", err)
		}
		if bundle != nil {
			restored, skipped, err := artifact.RestoreTree(req.Dir, bundle.Files)
			if err != nil {
				s.record(ctx, log, Event{ID: id, Fingerprint: fp.String(), Kind: EventError, ExitCode: -1, StartedAt: started})
				return nil, fmt.Errorf("restore cached outputs: %w", err)
			}
			s.record(ctx, log, Event{
				ID: id, Fingerprint: fp.String(), Kind: EventHit,
				ExitCode: bundle.ExitCode, Duration: time.Since(started), StartedAt: started,
			})
			log.Info().
				Int("exitCode", bundle.ExitCode).
				Int("restored", restored).
				Int("unchanged", skipped).
				Msg("replayed from cache")
			return &Result{
				Fingerprint: fp,
				Source:      SourceReplay,
				ExitCode:    bundle.ExitCode,
				Stdout:      bundle.Stdout,
				Stderr:      bundle.Stderr,
				Restored:    restored,
			}, nil
		}
	}

	outcome, err := s.Executor.Run(ctx, executor.Spec{
		Program:  s.Program,
		Args:     req.Command,
		InputDir: req.Dir,
		Env:      req.Environ,
		ExtraEnv: []string{
			config.EnvLabel + "=" + s.Label,
			config.EnvFingerprint + "=" + fp.String(),
		},
		Transient: s.Transient,
	})
	if err != nil {
		s.record(ctx, log, Event{ID: id, Fingerprint: fp.String(), Kind: EventError, ExitCode: -1, StartedAt: started})
		return nil, err
	}

	bundle := &artifact.Bundle{
		ExitCode: outcome.ExitCode,
		Stdout:   outcome.Stdout,
		Stderr:   outcome.Stderr,
		Files:    outcome.Files,
	}

	var warning error
	if s.Policy == config.PolicyReadOnly {
		log.Debug().Msg("read-only policy, skipping commit")
	} else if err := s.Store.Commit(fp, bundle, cache.CommitInfo{Label: s.Label, Command: req.Command}); err != nil {
		if cache.IsConflict(err) {
			s.record(ctx, log, Event{
				ID: id, Fingerprint: fp.String(), Kind: EventConflict,
				ExitCode: outcome.ExitCode, Duration: time.Since(started), StartedAt: started,
			})
			return nil, err
		}
		warning = err
		log.Warn().Err(err).Msg("result not cached")
	}

	restored, _, err := artifact.RestoreTree(req.Dir, bundle.Files)
	if err != nil {
		s.record(ctx, log, Event{ID: id, Fingerprint: fp.String(), Kind: EventError, ExitCode: -1, StartedAt: started})
		return nil, fmt.Errorf("write outputs: %w", err)
	}

	s.record(ctx, log, Event{
		ID: id, Fingerprint: fp.String(), Kind: EventMiss,
		ExitCode: outcome.ExitCode, Duration: time.Since(started), StartedAt: started,
	})
	log.Info().
		Int("exitCode", outcome.ExitCode).
		Int("restored", restored).
		Dur("duration", outcome.Duration).
		Msg("executed and cached")
	return &Result{
		Fingerprint:  fp,
		Source:       SourceExecution,
		ExitCode:     outcome.ExitCode,
		Stdout:       outcome.Stdout,
		Stderr:       outcome.Stderr,
		Restored:     restored,
		CacheWarning: warning,
	}, nil
}

// record sends ev to the recorder, filling in the label. Events must
// land even when the run was cancelled, so the context is detached.
func (s *Shim) record(ctx context.Context, log zerolog.Logger, ev Event) {
	if s.Recorder == nil {
		return
	}
	ev.Label = s.Label
	if err := s.Recorder.Record(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Msg("journal record failed")
	}
}
