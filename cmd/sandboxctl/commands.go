package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/session"
)

type commandView struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

func newCommandView(res sandbox.CommandResult) commandView {
	return commandView{
		ExitCode:   res.ExitCode,
		Stdout:     string(res.Stdout),
		Stderr:     string(res.Stderr),
		DurationMS: res.Duration.Milliseconds(),
	}
}

func createCmd(a *app) *cobra.Command {
	var (
		opts    session.CreateOptions
		timeout time.Duration
		ports   []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a new sandbox session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if opts.Ports, err = parsePorts(ports); err != nil {
				return err
			}
			opts.TimeoutSeconds = int(timeout / time.Second)
			s, err := a.manager.Create(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return a.print(cmd, s.Record())
		},
	}
	cmd.Flags().StringVarP(&opts.Template, "template", "t", "", "Template name or image reference")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Idle timeout, e.g. 10m (default from config)")
	cmd.Flags().StringToStringVar(&opts.Metadata, "metadata", nil, "Metadata tags as key=value")
	cmd.Flags().StringToStringVarP(&opts.Env, "env", "e", nil, "Environment variables as key=value")
	cmd.Flags().StringVar(&opts.Workdir, "workdir", "", "Working directory inside the sandbox")
	cmd.Flags().StringSliceVarP(&ports, "publish", "p", nil, "Publish a sandbox port as port or port:hostPort")
	cmd.Flags().StringVar(&opts.AdapterKind, "adapter", "", "Adapter kind instead of the configured default")
	return cmd
}

func connectCmd(a *app) *cobra.Command {
	var adapterKind string
	cmd := &cobra.Command{
		Use:   "connect <id>",
		Short: "Check that a session is running and show its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []session.ConnectOption
			if adapterKind != "" {
				opts = append(opts, session.WithAdapterKind(adapterKind))
			}
			s, err := a.manager.Connect(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			return a.print(cmd, s.Record())
		},
	}
	cmd.Flags().StringVar(&adapterKind, "adapter", "", "Refuse the session unless it belongs to this adapter kind")
	return cmd
}

func runCmd(a *app) *cobra.Command {
	var (
		timeout time.Duration
		workdir string
		env     map[string]string
		stdin   bool
		raw     bool
	)
	cmd := &cobra.Command{
		Use:   "run <id> -- <command> [args...]",
		Short: "Run a command to completion inside a sandbox",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			opts := []session.RunOption{session.WithTimeout(timeout), session.WithWorkdir(workdir), session.WithEnv(env)}
			if stdin {
				data, err := readInput(cmd)
				if err != nil {
					return err
				}
				opts = append(opts, session.WithStdin(data))
			}

			res, err := s.Run(cmd.Context(), args[1:], opts...)
			if err != nil {
				return err
			}
			if !raw {
				return a.print(cmd, newCommandView(res))
			}
			_, _ = cmd.OutOrStdout().Write(res.Stdout)
			_, _ = cmd.ErrOrStderr().Write(res.Stderr)
			if res.ExitCode != 0 {
				return &exitCodeError{code: res.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Kill the command after this long")
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "Working directory for the command")
	cmd.Flags().StringToStringVarP(&env, "env", "e", nil, "Extra environment variables as key=value")
	cmd.Flags().BoolVarP(&stdin, "interactive", "i", false, "Pass standard input to the command")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the command's output streams and exit with its status")
	return cmd
}

func codeCmd(a *app) *cobra.Command {
	var (
		language string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "code <id> [file]",
		Short: "Run a code snippet from a file or standard input",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				code []byte
				err  error
			)
			if len(args) == 2 {
				code, err = os.ReadFile(args[1])
			} else {
				code, err = readInput(cmd)
			}
			if err != nil {
				return err
			}

			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			exec, err := s.RunCode(cmd.Context(), language, string(code), session.WithTimeout(timeout))
			if err != nil {
				return err
			}
			return a.print(cmd, exec)
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", session.LanguagePython, "Snippet language")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Kill the program after this long")
	return cmd
}

func installCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "install <id> <package>",
		Short: "Install a Python package inside a sandbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := s.InstallPackage(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			return a.print(cmd, newCommandView(res))
		},
	}
}

func readCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id> <path>",
		Short: "Print a sandbox file to standard output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := s.ReadFile(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func writeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "write <id> <path> [local-file]",
		Short: "Write a sandbox file from a local file or standard input",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 3 {
				data, err = os.ReadFile(args[2])
			} else {
				data, err = readInput(cmd)
			}
			if err != nil {
				return err
			}

			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := s.WriteFile(cmd.Context(), args[1], data); err != nil {
				return err
			}
			return a.print(cmd, map[string]any{"path": args[1], "bytes": len(data)})
		},
	}
}

func listDirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <id> [path]",
		Short: "List a sandbox directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			entries, err := s.ListDir(cmd.Context(), dir)
			if err != nil {
				return err
			}
			return a.print(cmd, entries)
		},
	}
}

func globCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "glob <id> <pattern>",
		Short: "List sandbox paths matching a pattern",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			paths, err := s.Glob(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if paths == nil {
				paths = []string{}
			}
			return a.print(cmd, paths)
		},
	}
}

func makeDirCmd(a *app) *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir <id> <path>",
		Short: "Create a sandbox directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := s.MakeDir(cmd.Context(), args[1], parents); err != nil {
				return err
			}
			return a.print(cmd, map[string]string{"path": args[1]})
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "Create missing parent directories")
	return cmd
}

func removeCmd(a *app) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <id> <path>",
		Short: "Remove a sandbox file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := s.Remove(cmd.Context(), args[1], recursive); err != nil {
				return err
			}
			return a.print(cmd, map[string]string{"path": args[1]})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Remove directories and their content")
	return cmd
}

func moveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <id> <src> <dst>",
		Short: "Move a file or directory inside a sandbox",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := s.Move(cmd.Context(), args[1], args[2]); err != nil {
				return err
			}
			return a.print(cmd, map[string]string{"src": args[1], "dst": args[2]})
		},
	}
}

func uploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <id> <local-path> <sandbox-path>",
		Short: "Copy a local file or directory into a sandbox",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := s.Upload(cmd.Context(), args[1], args[2]); err != nil {
				return err
			}
			return a.print(cmd, map[string]string{"local": args[1], "sandbox": args[2]})
		},
	}
}

func downloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download <id> <sandbox-path> <local-path>",
		Short: "Copy a sandbox file or directory to the local host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := s.Download(cmd.Context(), args[1], args[2]); err != nil {
				return err
			}
			return a.print(cmd, map[string]string{"sandbox": args[1], "local": args[2]})
		},
	}
}

func portCmd(a *app) *cobra.Command {
	var (
		hostPort int
		protocol string
	)
	cmd := &cobra.Command{
		Use:   "port <id> <sandbox-port>",
		Short: "Show the host binding of a sandbox port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			binding, err := s.ExposePort(cmd.Context(), sandbox.PortRequest{ContainerPort: port, HostPort: hostPort, Protocol: protocol})
			if err != nil {
				return err
			}
			return a.print(cmd, binding)
		},
	}
	cmd.Flags().IntVar(&hostPort, "host-port", 0, "Expected host port")
	cmd.Flags().StringVar(&protocol, "protocol", "tcp", "tcp or udp")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the registry record of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := a.manager.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, rec := range records {
				if rec.ID == args[0] {
					return a.print(cmd, rec)
				}
			}
			// Fall through to Connect for a consistent not-found error.
			_, err = a.manager.Connect(cmd.Context(), args[0])
			return err
		},
	}
}

func refreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <id> <timeout>",
		Short: "Set a new idle timeout measured from now, e.g. 15m",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, err := time.ParseDuration(args[1])
			if err != nil {
				return err
			}
			s, err := a.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rec, err := s.RefreshTimeout(cmd.Context(), int(timeout/time.Second))
			if err != nil {
				return err
			}
			return a.print(cmd, rec)
		},
	}
}

func shutdownCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "shutdown <id>...",
		Aliases: []string{"kill"},
		Short:   "Destroy sessions and forget them; unknown ids are ignored",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := a.manager.Discard(cmd.Context(), id); err != nil {
					return err
				}
			}
			return a.print(cmd, map[string][]string{"shutdown": args})
		},
	}
}

func listCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ps"},
		Short:   "List every session in the registry",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := a.manager.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, records)
		},
	}
}

func pruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop records whose sandbox no longer exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := a.manager.Prune(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]int{"pruned": removed})
		},
	}
}

func watchdogCmd(a *app) *cobra.Command {
	var (
		once        bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Reap sessions whose idle timeout has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if once {
				report, err := a.newWatchdog(nil).Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(cmd, report)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var m *metrics.Metrics
			if metricsAddr != "" {
				m = metrics.New()
				m.WatchRegistry(a.store)
				srv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error("metrics listener failed", zap.String("addr", metricsAddr), zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}
			return a.newWatchdog(m).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Sweep once and print what happened")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running (e.g. :9090)")
	return cmd
}
