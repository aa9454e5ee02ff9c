package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoSubcommand is returned when no subcommand is provided
var ErrNoSubcommand = errors.New("missing subcommand: usage: mockcache <list|show|delete|prune|verify|export|import|watch|journal> [flags]")

// ErrMissingFlagValue is returned when a flag requires a value but none is provided
var ErrMissingFlagValue = errors.New("flag requires a value")

// ErrMissingArgument is returned when a subcommand's positional argument is absent
var ErrMissingArgument = errors.New("missing argument")

// Subcommand represents the CLI subcommand
type Subcommand string

const (
	SubcommandList    Subcommand = "list"
	SubcommandShow    Subcommand = "show"
	SubcommandDelete  Subcommand = "delete"
	SubcommandPrune   Subcommand = "prune"
	SubcommandVerify  Subcommand = "verify"
	SubcommandExport  Subcommand = "export"
	SubcommandImport  Subcommand = "import"
	SubcommandWatch   Subcommand = "watch"
	SubcommandJournal Subcommand = "journal"
)

// Command represents the parsed CLI input
type Command struct {
	Subcommand  Subcommand
	Fingerprint string // <fingerprint> - only for show and delete
	Archive     string // <archive> - only for export and import

	Label      string        // --label <name>
	Root       string        // --root <dir>
	ConfigPath string        // --config <path>
	JSONOutput bool          // --json
	OlderThan  time.Duration // --older-than <age>
	Failed     bool          // --failed
	All        bool          // --all
	Limit      int           // --limit <n> (default 20)
	Stats      bool          // --stats
}

// ParseArgs parses CLI arguments into a Command.
// It expects args to be os.Args[1:] (excluding the program name).
func ParseArgs(args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, ErrNoSubcommand
	}

	sub := Subcommand(args[0])
	switch sub {
	case SubcommandList, SubcommandShow, SubcommandDelete, SubcommandPrune,
		SubcommandVerify, SubcommandExport, SubcommandImport, SubcommandWatch,
		SubcommandJournal:
	default:
		return Command{}, fmt.Errorf("unknown subcommand %q: %w", args[0], ErrNoSubcommand)
	}

	cmd := Command{
		Subcommand: sub,
		Limit:      20,
	}

	var positionals []string
	i := 1

	for i < len(args) {
		arg := args[i]

		if strings.HasPrefix(arg, "--") {
			flagName := strings.TrimPrefix(arg, "--")

			switch flagName {
			case "label":
				if i+1 >= len(args) {
					return Command{}, ErrMissingFlagValue
				}
				i++
				cmd.Label = args[i]
			case "root":
				if i+1 >= len(args) {
					return Command{}, ErrMissingFlagValue
				}
				i++
				cmd.Root = args[i]
			case "config":
				if i+1 >= len(args) {
					return Command{}, ErrMissingFlagValue
				}
				i++
				cmd.ConfigPath = args[i]
			case "older-than":
				if i+1 >= len(args) {
					return Command{}, ErrMissingFlagValue
				}
				i++
				age, err := parseAge(args[i])
				if err != nil {
					return Command{}, err
				}
				cmd.OlderThan = age
			case "limit":
				if i+1 >= len(args) {
					return Command{}, ErrMissingFlagValue
				}
				i++
				limit, err := strconv.Atoi(args[i])
				if err != nil || limit < 1 {
					return Command{}, fmt.Errorf("invalid limit %q", args[i])
				}
				cmd.Limit = limit
			case "json":
				cmd.JSONOutput = true
			case "failed":
				cmd.Failed = true
			case "all":
				cmd.All = true
			case "stats":
				cmd.Stats = true
			default:
				return Command{}, fmt.Errorf("unknown flag --%s", flagName)
			}
			i++
			continue
		}

		positionals = append(positionals, arg)
		i++
	}

	switch cmd.Subcommand {
	case SubcommandShow, SubcommandDelete:
		if len(positionals) == 0 {
			return Command{}, fmt.Errorf("%w: %s requires a fingerprint", ErrMissingArgument, sub)
		}
		cmd.Fingerprint = positionals[0]
		positionals = positionals[1:]
	case SubcommandExport, SubcommandImport:
		if len(positionals) == 0 {
			return Command{}, fmt.Errorf("%w: %s requires an archive path", ErrMissingArgument, sub)
		}
		cmd.Archive = positionals[0]
		positionals = positionals[1:]
	}

	if len(positionals) > 0 {
		return Command{}, fmt.Errorf("unexpected argument %q", positionals[0])
	}

	return cmd, nil
}

// parseAge parses a duration flag value, additionally accepting a
// whole number of days as "<n>d".
func parseAge(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}
