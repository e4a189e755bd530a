package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/sandboxd/backends"
	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/registry"
	"github.com/isdmx/sandboxd/session"
	"github.com/isdmx/sandboxd/template"
	"github.com/isdmx/sandboxd/watchdog"
)

const (
	outputYAML = "yaml"
	outputJSON = "json"
)

// exitCodeError carries the exit status of a command run with --raw.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

// app holds the state shared by every subcommand. It is populated by setup
// before any subcommand runs.
type app struct {
	configPath string
	output     string

	cfg      *config.Config
	log      *zap.Logger
	store    *registry.Store
	adapters *backends.Resolver
	manager  *session.Manager
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Create and drive sandbox sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&a.output, "output", "o", outputYAML, "Output format: yaml or json")

	rootCmd.AddCommand(
		createCmd(a),
		connectCmd(a),
		runCmd(a),
		codeCmd(a),
		installCmd(a),
		readCmd(a),
		writeCmd(a),
		listDirCmd(a),
		globCmd(a),
		makeDirCmd(a),
		removeCmd(a),
		moveCmd(a),
		uploadCmd(a),
		downloadCmd(a),
		portCmd(a),
		statusCmd(a),
		refreshCmd(a),
		shutdownCmd(a),
		listCmd(a),
		pruneCmd(a),
		watchdogCmd(a),
		templateCmd(a),
	)
	return rootCmd
}

func (a *app) setup() error {
	if a.output != outputYAML && a.output != outputJSON {
		return fmt.Errorf("invalid --output %q, must be %s or %s", a.output, outputYAML, outputJSON)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	adapters, err := backends.New(log, cfg)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.log = log
	a.adapters = adapters
	a.store = registry.New(cfg.RegistryPath(), registry.WithLogger(log))
	catalog := template.NewCatalog(cfg.TemplatesDBPath(), template.WithLogger(log))
	a.manager = session.NewManagerFromConfig(cfg, log, a.store, adapters, catalog)
	return nil
}

func (a *app) newWatchdog(m *metrics.Metrics) *watchdog.Watchdog {
	return watchdog.NewFromConfig(a.cfg, a.log, a.store, a.adapters, watchdog.WithMetrics(m))
}

// print writes v in the selected output format. Values go through JSON first
// so both formats share field names.
func (a *app) print(cmd *cobra.Command, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	out := cmd.OutOrStdout()

	if a.output == outputJSON {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err = out.Write(buf.Bytes())
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// readInput reads all of stdin. It refuses an interactive terminal, which
// would otherwise block until EOF is typed.
func readInput(cmd *cobra.Command) ([]byte, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return nil, errors.New("stdin is a terminal; pipe the input or pass a file")
	}
	return io.ReadAll(in)
}

// parsePorts turns "8080" or "8080:18080" into a sandbox-to-host port map.
// A missing host port lets the engine pick one.
func parsePorts(specs []string) (map[int]int, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	ports := make(map[int]int, len(specs))
	for _, spec := range specs {
		inner, outer, _ := strings.Cut(spec, ":")
		sandboxPort, err := strconv.Atoi(inner)
		if err != nil || sandboxPort <= 0 {
			return nil, fmt.Errorf("invalid port %q", spec)
		}
		hostPort := 0
		if outer != "" {
			if hostPort, err = strconv.Atoi(outer); err != nil || hostPort < 0 {
				return nil, fmt.Errorf("invalid host port in %q", spec)
			}
		}
		ports[sandboxPort] = hostPort
	}
	return ports, nil
}
