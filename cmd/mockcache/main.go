// Command mockcache inspects and maintains the result cache that
// mockcode populates: listing and showing entries, pruning and
// verifying them, moving them between machines as archives, watching
// a cache fill up during a test run, and querying the invocation
// journal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"mockcode/internal/archive"
	"mockcode/internal/cache"
	"mockcode/internal/cli"
	"mockcode/internal/config"
	"mockcode/internal/fingerprint"
	"mockcode/internal/journal"
	"mockcode/internal/logging"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitConfigError  = 3
	ExitNotFound     = 4
	ExitVerifyFailed = 5
)

func main() {
	_ = godotenv.Load()

	workdir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		os.Exit(ExitFailure)
	}
	os.Exit(run(os.Args[1:], os.Environ(), workdir, os.Stdout, os.Stderr))
}

func run(args, environ []string, workdir string, stdout, stderr io.Writer) int {
	command, err := cli.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}

	log := logging.Console(stderr, logging.LevelFromEnv(environ))

	cfg, err := loadConfig(command, environ, workdir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	root := command.Root
	if root == "" {
		root = cfg.ResolveCacheRoot(environ)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command.Subcommand {
	case cli.SubcommandList:
		return runList(command, root, stdout, stderr)
	case cli.SubcommandShow:
		return runShow(command, root, stdout, stderr)
	case cli.SubcommandDelete:
		return runDelete(command, root, stdout, stderr)
	case cli.SubcommandPrune:
		return runPrune(ctx, command, root, cfg, environ, stdout, stderr, log)
	case cli.SubcommandVerify:
		return runVerify(command, root, stdout, stderr)
	case cli.SubcommandExport:
		return runExport(command, root, stdout, stderr)
	case cli.SubcommandImport:
		return runImport(command, root, stdout, stderr)
	case cli.SubcommandWatch:
		return runWatch(ctx, command, root, stdout, stderr, log)
	case cli.SubcommandJournal:
		return runJournal(ctx, command, cfg, environ, stdout, stderr)
	}

	return ExitUsage
}

// loadConfig honors --config, otherwise discovers the configuration
// from the working directory, falling back to defaults when none
// exists.
func loadConfig(cmd cli.Command, environ []string, workdir string) (*config.Config, error) {
	if cmd.ConfigPath != "" {
		return config.Load(cmd.ConfigPath)
	}
	return config.LoadAction(workdir, environ, config.ActionRead)
}

// selectLabels returns the labels a subcommand operates on: the
// --label flag when given, otherwise every label under root.
func selectLabels(cmd cli.Command, root string) ([]string, error) {
	if cmd.Label != "" {
		return []string{cmd.Label}, nil
	}
	return labelDirs(root)
}

// labelDirs lists the label directories beneath root, sorted.
func labelDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var labels []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			labels = append(labels, e.Name())
		}
	}
	sort.Strings(labels)
	return labels, nil
}

type listing struct {
	Label string `json:"label"`
	cache.EntrySummary
}

func runList(cmd cli.Command, root string, stdout, stderr io.Writer) int {
	labels, err := selectLabels(cmd, root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}

	rows := []listing{}
	for _, label := range labels {
		summaries, err := cache.NewStore(filepath.Join(root, label)).List()
		if err != nil {
			fmt.Fprintf(stderr, "Error: list %s: %v\n", label, err)
			return ExitFailure
		}
		for _, s := range summaries {
			rows = append(rows, listing{Label: label, EntrySummary: s})
		}
	}

	if cmd.JSONOutput {
		return writeJSON(stdout, stderr, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "No cache entries found")
		return ExitSuccess
	}
	fmt.Fprintf(stdout, "%-16s  %-19s  %4s  %5s  %s\n", "LABEL", "FINGERPRINT", "EXIT", "FILES", "CREATED")
	for _, r := range rows {
		fmt.Fprintf(stdout, "%-16s  %-19s  %4d  %5d  %s\n",
			r.Label, shortFingerprint(r.Fingerprint), r.ExitCode, r.OutputFiles,
			r.CreatedAt.Local().Format(time.RFC3339))
	}
	return ExitSuccess
}

type entryDetail struct {
	Label       string     `json:"label"`
	Meta        cache.Meta `json:"meta"`
	StdoutBytes int        `json:"stdoutBytes"`
	StderrBytes int        `json:"stderrBytes"`
	Files       []fileInfo `json:"files"`
}

type fileInfo struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

func runShow(cmd cli.Command, root string, stdout, stderr io.Writer) int {
	fp, err := fingerprint.Parse(cmd.Fingerprint)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	labels, err := selectLabels(cmd, root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}

	for _, label := range labels {
		store := cache.NewStore(filepath.Join(root, label))
		meta, err := store.Meta(fp)
		if err != nil {
			continue
		}
		bundle, err := store.Lookup(fp)
		if err != nil || bundle == nil {
			fmt.Fprintf(stderr, "Error: read entry %s: %v\n", fp.Short(), err)
			return ExitFailure
		}

		detail := entryDetail{
			Label:       label,
			Meta:        meta,
			StdoutBytes: len(bundle.Stdout),
			StderrBytes: len(bundle.Stderr),
			Files:       []fileInfo{},
		}
		for _, f := range bundle.Files {
			detail.Files = append(detail.Files, fileInfo{Path: f.Path, Size: len(f.Content)})
		}

		if cmd.JSONOutput {
			return writeJSON(stdout, stderr, detail)
		}
		fmt.Fprintf(stdout, "Label:        %s\n", label)
		fmt.Fprintf(stdout, "Fingerprint:  %s\n", meta.Fingerprint)
		if len(meta.Command) > 0 {
			fmt.Fprintf(stdout, "Command:      %s\n", strings.Join(meta.Command, " "))
		}
		fmt.Fprintf(stdout, "Exit code:    %d\n", meta.ExitCode)
		fmt.Fprintf(stdout, "Created:      %s\n", meta.CreatedAt.Local().Format(time.RFC3339))
		fmt.Fprintf(stdout, "Digest:       %s\n", meta.BundleDigest)
		fmt.Fprintf(stdout, "Stdout:       %d bytes\n", len(bundle.Stdout))
		fmt.Fprintf(stdout, "Stderr:       %d bytes\n", len(bundle.Stderr))
		fmt.Fprintf(stdout, "Output files:\n")
		for _, f := range detail.Files {
			fmt.Fprintf(stdout, "  %s  (%d bytes)\n", f.Path, f.Size)
		}
		return ExitSuccess
	}

	fmt.Fprintf(stderr, "Error: no cache entry %s\n", fp.Short())
	return ExitNotFound
}

func runDelete(cmd cli.Command, root string, stdout, stderr io.Writer) int {
	fp, err := fingerprint.Parse(cmd.Fingerprint)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	labels, err := selectLabels(cmd, root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}

	deleted := false
	for _, label := range labels {
		err := cache.NewStore(filepath.Join(root, label)).Delete(fp)
		if err == nil {
			fmt.Fprintf(stdout, "Deleted %s from %s\n", fp.Short(), label)
			deleted = true
			continue
		}
		if err != cache.ErrEntryNotFound {
			fmt.Fprintf(stderr, "Error: delete from %s: %v\n", label, err)
			return ExitFailure
		}
	}
	if !deleted {
		fmt.Fprintf(stderr, "Error: no cache entry %s\n", fp.Short())
		return ExitNotFound
	}
	return ExitSuccess
}

func runPrune(ctx context.Context, cmd cli.Command, root string, cfg *config.Config, environ []string, stdout, stderr io.Writer, log zerolog.Logger) int {
	if cmd.OlderThan == 0 && !cmd.Failed && !cmd.All {
		fmt.Fprintln(stderr, "Error: prune requires --older-than, --failed or --all")
		return ExitUsage
	}
	labels, err := selectLabels(cmd, root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}

	total := 0
	for _, label := range labels {
		store := cache.NewStore(filepath.Join(root, label))
		var n int
		var err error
		if cmd.All {
			n, err = store.Prune(0, false)
		} else {
			n, err = store.Prune(cmd.OlderThan, cmd.Failed)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: prune %s: %v\n", label, err)
			return ExitFailure
		}
		total += n
	}
	fmt.Fprintf(stdout, "Pruned %d entries\n", total)

	if jpath := cfg.ResolveJournal(environ); jpath != "" && cmd.OlderThan > 0 {
		j, err := journal.Open(jpath)
		if err != nil {
			log.Warn().Err(err).Str("path", jpath).Msg("journal unavailable")
			return ExitSuccess
		}
		defer j.Close()
		n, err := j.DeleteBefore(ctx, time.Now().Add(-cmd.OlderThan))
		if err != nil {
			log.Warn().Err(err).Msg("journal trim failed")
		} else if n > 0 {
			fmt.Fprintf(stdout, "Trimmed %d journal rows\n", n)
		}
	}
	return ExitSuccess
}

type verifyRow struct {
	Label string `json:"label"`
	cache.VerifyResult
}

func runVerify(cmd cli.Command, root string, stdout, stderr io.Writer) int {
	labels, err := selectLabels(cmd, root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}

	rows := []verifyRow{}
	failures := 0
	for _, label := range labels {
		results, err := cache.NewStore(filepath.Join(root, label)).Verify()
		if err != nil {
			fmt.Fprintf(stderr, "Error: verify %s: %v\n", label, err)
			return ExitFailure
		}
		for _, r := range results {
			rows = append(rows, verifyRow{Label: label, VerifyResult: r})
			if !r.OK {
				failures++
			}
		}
	}

	if cmd.JSONOutput {
		if code := writeJSON(stdout, stderr, rows); code != ExitSuccess {
			return code
		}
	} else {
		for _, r := range rows {
			if !r.OK {
				fmt.Fprintf(stdout, "FAIL  %s/%s: %s\n", r.Label, shortFingerprint(r.Fingerprint), r.Detail)
			}
		}
		fmt.Fprintf(stdout, "Verified %d entries, %d corrupt\n", len(rows), failures)
	}
	if failures > 0 {
		return ExitVerifyFailed
	}
	return ExitSuccess
}

func runExport(cmd cli.Command, root string, stdout, stderr io.Writer) int {
	var labels []string
	if cmd.Label != "" {
		labels = []string{cmd.Label}
	}
	n, err := archive.Export(root, labels, cmd.Archive)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	fmt.Fprintf(stdout, "Exported %d entries to %s\n", n, cmd.Archive)
	return ExitSuccess
}

func runImport(cmd cli.Command, root string, stdout, stderr io.Writer) int {
	res, err := archive.Import(root, cmd.Archive)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	fmt.Fprintf(stdout, "Imported %d entries (%d already present)\n", res.Added, res.Skipped)
	return ExitSuccess
}

// runWatch follows a cache root during a test run, printing a line
// for each entry published. New label directories are picked up as
// they appear.
func runWatch(ctx context.Context, cmd cli.Command, root string, stdout, stderr io.Writer, log zerolog.Logger) int {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	defer watcher.Close()

	if err := os.MkdirAll(root, 0755); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	if err := watcher.Add(root); err != nil {
		fmt.Fprintf(stderr, "Error: watch %s: %v\n", root, err)
		return ExitFailure
	}
	labels, err := labelDirs(root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	for _, label := range labels {
		if cmd.Label != "" && label != cmd.Label {
			continue
		}
		if err := watcher.Add(filepath.Join(root, label)); err != nil {
			log.Warn().Err(err).Str("label", label).Msg("cannot watch label")
		}
	}

	fmt.Fprintf(stdout, "Watching %s\n", root)
	for {
		select {
		case <-ctx.Done():
			return ExitSuccess
		case event, ok := <-watcher.Events:
			if !ok {
				return ExitSuccess
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") {
				continue
			}
			parent := filepath.Dir(event.Name)
			if parent == filepath.Clean(root) {
				// A new label directory; start watching inside it.
				if cmd.Label != "" && name != cmd.Label {
					continue
				}
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						log.Warn().Err(err).Str("label", name).Msg("cannot watch label")
					}
				}
				continue
			}
			// Entries appear via rename, so by the time the event
			// fires the directory is complete.
			fp, err := fingerprint.Parse(name)
			if err != nil {
				continue
			}
			meta, err := cache.NewStore(parent).Meta(fp)
			if err != nil {
				continue
			}
			fmt.Fprintf(stdout, "%s  %-16s  %s  exit %d  %d files\n",
				time.Now().Format("15:04:05"), filepath.Base(parent),
				fp.Short(), meta.ExitCode, meta.OutputFiles)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return ExitSuccess
			}
			log.Warn().Err(werr).Msg("watch error")
		}
	}
}

func runJournal(ctx context.Context, cmd cli.Command, cfg *config.Config, environ []string, stdout, stderr io.Writer) int {
	jpath := cfg.ResolveJournal(environ)
	if jpath == "" {
		fmt.Fprintf(stderr, "Error: no journal configured (set journal in %s or %s)\n", config.FileName, config.EnvJournal)
		return ExitConfigError
	}
	j, err := journal.Open(jpath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	defer j.Close()

	if cmd.Stats {
		stats, err := j.Stats(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitFailure
		}
		if cmd.JSONOutput {
			return writeJSON(stdout, stderr, stats)
		}
		if len(stats) == 0 {
			fmt.Fprintln(stdout, "No journal entries")
			return ExitSuccess
		}
		fmt.Fprintf(stdout, "%-16s  %6s  %6s  %9s  %6s\n", "LABEL", "HITS", "MISSES", "CONFLICTS", "ERRORS")
		for _, s := range stats {
			fmt.Fprintf(stdout, "%-16s  %6d  %6d  %9d  %6d\n", s.Label, s.Hits, s.Misses, s.Conflicts, s.Errors)
		}
		return ExitSuccess
	}

	invs, err := j.Recent(ctx, cmd.Label, cmd.Limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	if cmd.JSONOutput {
		return writeJSON(stdout, stderr, invs)
	}
	if len(invs) == 0 {
		fmt.Fprintln(stdout, "No journal entries")
		return ExitSuccess
	}
	fmt.Fprintf(stdout, "%-20s  %-8s  %-16s  %-19s  %4s  %s\n", "STARTED", "EVENT", "LABEL", "FINGERPRINT", "EXIT", "DURATION")
	for _, inv := range invs {
		fmt.Fprintf(stdout, "%-20s  %-8s  %-16s  %-19s  %4d  %s\n",
			inv.StartedAt.Local().Format("2006-01-02 15:04:05"), inv.Event, inv.Label,
			shortFingerprint(inv.Fingerprint), inv.ExitCode, inv.Duration)
	}
	return ExitSuccess
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	fmt.Fprintln(stdout, string(data))
	return ExitSuccess
}

func shortFingerprint(s string) string {
	fp, err := fingerprint.Parse(s)
	if err != nil {
		return s
	}
	return fp.Short()
}
