// Command dpcl is the thin shell around the DPCL interpreter core:
// cobra for flag/subcommand parsing, zap for structured logging, mirroring
// the way cmd/nerd wires its root command in codeNERD.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"dpcl/internal/ast"
	"dpcl/internal/config"
	"dpcl/internal/eval"
	"dpcl/internal/loader"
	"dpcl/internal/logging"
	"dpcl/internal/query"
	"dpcl/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dpcl",
	Short: "Interpreter for institutional/normative DPCL programs",
}

var runCmd = &cobra.Command{
	Use:   "run <program.json>",
	Short: "Load a program and drive it from an action-request stream on stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dpcl version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("dpcl 0.1.0")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a dpcl.yaml config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err = logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	s := store.New(logging.StoreAdapter{L: logger})
	l := loader.New(s, cfg.Import.SearchPath)
	ev := eval.New(s, cfg.Evaluator.StepBudget, cfg.Evaluator.FixpointBudget, logger)

	if err := loadProgram(args[0], l, ev); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	return repl(l, ev, s, cfg)
}

func loadProgram(path string, l *loader.Loader, ev *eval.Evaluator) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ast.IO("load %q: %v", path, err)
	}
	directives, err := ast.DecodeProgram(data)
	if err != nil {
		return err
	}
	result, err := l.Load(directives)
	if err != nil {
		return err
	}
	for _, event := range result.Events {
		if err := ev.Dispatch(event); err != nil {
			return err
		}
	}
	return nil
}

// repl drives the line-oriented JSON input stream documented in spec.md
// §6: a scoped action request, a bare atomic event string, or one of
// load/show/exit.
func repl(l *loader.Loader, ev *eval.Evaluator, s *store.Store, cfg *config.Config) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if handled, err := handleCommand(line, l, ev, s); handled {
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
			continue
		}

		event, err := decodeInputEvent(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			continue
		}
		if err := ev.Dispatch(event); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
	}
	return nil
}

func decodeInputEvent(line string) (*ast.Event, error) {
	if strings.HasPrefix(line, "\"") || strings.HasPrefix(line, "{") {
		directives, err := ast.DecodeProgram([]byte("[" + line + "]"))
		if err != nil {
			return nil, err
		}
		if len(directives) != 1 || directives[0].Kind != ast.DirectiveEvent {
			return nil, ast.Schema(ast.Span{}, "input line is not an event")
		}
		return directives[0].Event, nil
	}
	return nil, ast.Schema(ast.Span{}, "unrecognized input line %q", line)
}

func handleCommand(line string, l *loader.Loader, ev *eval.Evaluator, s *store.Store) (bool, error) {
	switch {
	case line == "exit":
		os.Exit(0)
		return true, nil

	case strings.HasPrefix(line, "load "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "load "))
		return true, loadProgram(path, l, ev)

	case strings.HasPrefix(line, "show "):
		refText := strings.TrimSpace(strings.TrimPrefix(line, "show "))
		ref, err := decodeShowRef(refText)
		if err != nil {
			return true, err
		}
		out, err := query.Show(ref, s)
		if err != nil {
			return true, err
		}
		fmt.Println(out)
		return true, nil
	}
	return false, nil
}

func decodeShowRef(text string) (*ast.ObjectRef, error) {
	if strings.HasPrefix(text, "{") {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, ast.Schema(ast.Span{}, "show: %v", err)
		}
		return ast.DecodeObjectRef(raw)
	}
	return ast.Name(text), nil
}
