// Package main provides the semresearch binary entry point.
// Semresearch is a terminal client for a research service: it takes a
// question through improvement, analysis, query expansion, search, source
// reading and a cited answer.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semresearch/auth"
	"github.com/c360studio/semresearch/config"
	"github.com/c360studio/semresearch/events"
	"github.com/c360studio/semresearch/tui"
	"github.com/c360studio/semresearch/workflow/engine"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semresearch"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags holds the persistent command-line overrides.
type flags struct {
	backendURL  string
	logLevel    string
	logFile     string
	fetchMode   string
	natsURL     string
	metricsAddr string
}

func rootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Guided web research from the terminal",
		Long: `Semresearch walks a question through a guided research workflow:

- improve the question and choose the wording
- analyze it into key components and success criteria
- expand it into search queries and pick the ones to run
- pick sources from the search results and read them
- generate a cited answer and evaluate it

Run "semresearch login" once, then "semresearch run" for the interactive
wizard or "semresearch ask" for a one-shot answer.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.backendURL, "backend", "", "Research service URL (overrides backend.url)")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&f.logFile, "log-file", "", "Write logs to this file")
	pf.StringVar(&f.fetchMode, "fetch-mode", "", "Where sources are read: backend or local")
	pf.StringVar(&f.natsURL, "nats-url", "", "Publish workflow events to this NATS server")
	pf.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(
		runCmd(f),
		askCmd(f),
		loginCmd(f),
		logoutCmd(f),
		watchCmd(f),
		configCmd(f),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

// loadConfig loads the layered configuration and applies flags last.
func loadConfig(f *flags, extra ...func(*config.Config)) (*config.Config, error) {
	home, _ := os.UserHomeDir()
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	// Config loading logs go to stderr until the configured logger exists.
	bootLogger := newLogger(f.logLevel, os.Stderr)
	loader := config.NewLoader(bootLogger, config.WithHomeDir(home), config.WithWorkDir(wd))

	overrides := append([]func(*config.Config){f.apply}, extra...)
	cfg, err := loader.Load(overrides...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (f *flags) apply(c *config.Config) {
	if f.backendURL != "" {
		c.Backend.URL = f.backendURL
	}
	if f.logLevel != "" {
		c.Log.Level = f.logLevel
	}
	if f.logFile != "" {
		c.Log.File = f.logFile
	}
	if f.fetchMode != "" {
		c.Sources.FetchMode = f.fetchMode
	}
	if f.natsURL != "" {
		c.Events.NATSURL = f.natsURL
	}
	if f.metricsAddr != "" {
		c.Metrics.Addr = f.metricsAddr
	}
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func runCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the interactive research wizard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f, func(c *config.Config) {
				// Log lines would tear the alternate screen.
				if c.Log.File == "" {
					c.Log.File = "~/" + config.UserConfigDir + "/semresearch.log"
				}
			})
			if err != nil {
				return err
			}

			bridge := tui.NewBridge()
			app, err := NewApp(cfg, io.Discard, auth.WithOnChange(bridge.OnToken))
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if err := app.Start(ctx, bridge); err != nil {
				_ = app.Shutdown()
				return err
			}

			model := tui.New(ctx, app.engine,
				tui.WithBridge(bridge),
				tui.WithUser(app.store.Current().Username))
			_, runErr := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx)).Run()
			if errors.Is(runErr, tea.ErrProgramKilled) {
				runErr = nil
			}
			return errors.Join(runErr, app.Shutdown())
		},
	}
}

func askCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Research a question without the wizard",
		Long: `Ask runs every step of the research workflow with all queries and
sources selected, then prints the answer, its sources and the evaluation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f, func(c *config.Config) { c.Workflow.AutoSelect = true })
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if err := app.Start(ctx); err != nil {
				_ = app.Shutdown()
				return err
			}

			state, askErr := askQuestion(ctx, app.engine, strings.Join(args, " "), cmd.ErrOrStderr())
			if askErr == nil {
				printResult(cmd.OutOrStdout(), state)
			}
			return errors.Join(askErr, app.Shutdown())
		},
	}
}

func loginCmd(f *flags) *cobra.Command {
	var (
		username      string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var password string
			if passwordStdin {
				if username == "" {
					return errors.New("--username is required with --password-stdin")
				}
				password, err = readPassword(cmd.InOrStdin())
			} else {
				username, password, err = tui.PromptCredentials(ctx, username,
					tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.ErrOrStderr()))
			}
			if err != nil {
				return err
			}

			tok, err := app.client.Login(ctx, username, password)
			if err != nil {
				return err
			}
			if tok.Username == "" {
				tok.Username = username
			}
			if err := app.store.Save(*tok); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", tok.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	return cmd
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password on stdin")
	}
	return password, nil
}

func logoutCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Shutdown()

			if err := app.store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func watchCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print workflow events published to NATS",
		Long: `Watch follows the workflow events that other semresearch sessions
publish when events.nats_url is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if cfg.Events.NATSURL == "" {
				return errors.New("events.nats_url is not configured")
			}
			logger := newLogger(cfg.Log.Level, cmd.ErrOrStderr())

			conn, err := events.Connect(cfg.Events.NATSURL, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			out := cmd.OutOrStdout()
			return events.Follow(ctx, conn, cfg.Events.SubjectPrefix, logger, func(ev engine.Event) {
				fmt.Fprintln(out, formatEvent(ev))
			})
		},
	}
}

// formatEvent renders one event as a log-style line.
func formatEvent(ev engine.Event) string {
	line := fmt.Sprintf("%s %-13s step=%d label=%q run=%s",
		ev.Time.Format("15:04:05"), ev.Type, ev.Step, ev.Label, ev.RunID)
	if ev.Duration > 0 {
		line += fmt.Sprintf(" duration=%s", ev.Duration)
	}
	if ev.Bytes > 0 {
		line += fmt.Sprintf(" bytes=%d", ev.Bytes)
	}
	if ev.Error != "" {
		line += fmt.Sprintf(" error=%q", ev.Error)
	}
	return line
}

func configCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write the default user config if it does not exist",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				loader := config.NewLoader(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)),
					config.WithHomeDir(homeDir()))
				path, err := loader.EnsureUserConfig()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(f)
				if err != nil {
					return err
				}
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
	)
	return cmd
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}
