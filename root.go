package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/gordonaspin/icloudds/internal/config"
	"github.com/gordonaspin/icloudds/internal/icloudsync"
	"github.com/gordonaspin/icloudds/internal/remote"
	"github.com/gordonaspin/icloudds/internal/watch"
)

// version is set at build time via ldflags.
var version = "dev"

// exitCode tags the daemon's documented exit codes (spec.md §6).
type exitCode int

const (
	exitOK exitCode = iota
	exitAlreadyRunning
	exitNotADirectory
	exitMissingArgument
	exitAuthFailure
	exitTwoFactorRequired
	exitVerifyCodeFailure
	exitCloudAPIFailure
)

// cliError carries the exit code a failure maps to, so main() doesn't have
// to re-derive it from error text.
type cliError struct {
	code exitCode
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

var (
	flagDirectory      string
	flagUsername       string
	flagPassword       string
	flagCookieDir      string
	flagIgnoreRegexes  string
	flagIncludeRegexes string
	flagLoggingConfig  string
	flagCheckPeriod    time.Duration
	flagRefreshPeriod  time.Duration
	flagDebouncePeriod time.Duration
	flagMaxWorkers     int
	flagConfigPath     string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "icloudds",
		Short:         "Bidirectional iCloud Drive synchronizer",
		Long:          "A daemon that keeps a local directory in sync with an iCloud Drive account.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runDaemon,
	}

	cmd.Flags().StringVarP(&flagDirectory, "directory", "d", "", "local directory to sync")
	cmd.Flags().StringVarP(&flagUsername, "username", "u", "", "iCloud account username")
	cmd.Flags().StringVarP(&flagPassword, "password", "p", "", "iCloud account password (falls back to ICLOUDDS_PASSWORD; not prompted for)")
	cmd.Flags().StringVar(&flagCookieDir, "cookie-directory", "", "directory for cached session cookies")
	cmd.Flags().StringVar(&flagIgnoreRegexes, "ignore-regexes", "", "file of newline-separated ignore regex patterns")
	cmd.Flags().StringVar(&flagIncludeRegexes, "include-regexes", "", "file of newline-separated include regex patterns")
	cmd.Flags().StringVar(&flagLoggingConfig, "logging-config", "", "directory to write periodic state-dump logs to")
	cmd.Flags().DurationVar(&flagCheckPeriod, "icloud-check-period", 0, "dirty-check interval (min 20s)")
	cmd.Flags().DurationVar(&flagRefreshPeriod, "icloud-refresh-period", 0, "full refresh interval (min 90s)")
	cmd.Flags().DurationVar(&flagDebouncePeriod, "debounce-period", 0, "event batch debounce window (min 10s)")
	cmd.Flags().IntVar(&flagMaxWorkers, "max-workers", 0, "parallel download/rescan workers (default: CPU count)")
	cmd.Flags().StringVar(&flagConfigPath, "config", "", "config file path")

	cmd.AddCommand(newReloadCmd())

	return cmd
}

// newReloadCmd signals a running daemon to re-read its ignore/include
// pattern files without restarting, by sending SIGHUP to the PID recorded
// under config.PIDPathForDirectory for the given directory.
func newReloadCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:           "reload",
		Short:         "Reload ignore/include patterns on a running daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, _ []string) error {
			if dir == "" {
				return &cliError{code: exitMissingArgument, err: fmt.Errorf("missing-argument: --directory is required")}
			}

			absDir, err := filepath.Abs(dir)
			if err != nil {
				return &cliError{code: exitNotADirectory, err: err}
			}

			return sendSIGHUP(config.PIDPathForDirectory(absDir))
		},
	}

	cmd.Flags().StringVarP(&dir, "directory", "d", "", "sync directory of the running daemon")

	return cmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := resolveConfig(cmd, logger)
	if err != nil {
		return classifyStartupError(err)
	}

	absDir, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return &cliError{code: exitNotADirectory, err: err}
	}

	cfg.Directory = absDir

	pidPath := config.PIDPathForDirectory(cfg.Directory)

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return &cliError{code: exitAlreadyRunning, err: err}
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	return runEngine(ctx, cfg, logger)
}

func resolveConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	env := config.ReadEnvOverrides()

	cli := config.CLIOverrides{
		ConfigPath:     flagConfigPath,
		Directory:      flagDirectory,
		Username:       flagUsername,
		CookieDir:      flagCookieDir,
		IgnoreRegexes:  flagIgnoreRegexes,
		IncludeRegexes: flagIncludeRegexes,
		LoggingConfig:  flagLoggingConfig,
		MaxWorkers:     nonZeroInt(flagMaxWorkers),
	}

	if cmd.Flags().Changed("icloud-check-period") {
		cli.CheckPeriod = &config.Duration{Duration: flagCheckPeriod}
	}

	if cmd.Flags().Changed("icloud-refresh-period") {
		cli.RefreshPeriod = &config.Duration{Duration: flagRefreshPeriod}
	}

	if cmd.Flags().Changed("debounce-period") {
		cli.DebouncePeriod = &config.Duration{Duration: flagDebouncePeriod}
	}

	if env.Password != "" && flagPassword == "" {
		flagPassword = env.Password
	}

	return config.Resolve(env, cli, logger)
}

func nonZeroInt(n int) *int {
	if n == 0 {
		return nil
	}

	return &n
}

func classifyStartupError(err error) error {
	msg := err.Error()

	switch {
	case strings.HasPrefix(msg, "not-a-directory"):
		return &cliError{code: exitNotADirectory, err: err}
	case strings.HasPrefix(msg, "missing-argument"):
		return &cliError{code: exitMissingArgument, err: err}
	default:
		return &cliError{code: exitMissingArgument, err: err}
	}
}

// runEngine wires LocalTree, RemoteTree, the pipeline, watcher, scheduler,
// and reconciler into a running daemon (spec.md §1 component wiring).
func runEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	filter, err := buildFilter(cfg)
	if err != nil {
		return err
	}

	local := icloudsync.NewLocalTree(cfg.Directory, filter)
	jobsDisabled := &icloudsync.JobsDisabled{}

	authenticator, err := remote.NewAuthenticator(cfg.Username, flagPassword, cookieDir(cfg), newPlaceholderClient, promptVerificationCode)
	if err != nil {
		return err
	}

	buildRemoteTree := func() *icloudsync.RemoteTree {
		return icloudsync.NewRemoteTree(cfg.Directory, filter, authenticator, jobsDisabled, cfg.MaxWorkers)
	}

	remoteTree := buildRemoteTree()

	pipeline := icloudsync.NewEventPipeline(filter, filter, cfg.DebouncePeriod.Duration)

	reconciler := icloudsync.NewReconciler(icloudsync.ReconcilerConfig{
		LogPath:     cfg.LoggingConfig,
		RetryPeriod: cfg.ICloudRefreshPeriod.Duration,
	}, local, remoteTree, pipeline, jobsDisabled, buildRemoteTree)

	reconciler.Scheduler = icloudsync.NewScheduler(icloudsync.SchedulerConfig{
		CheckPeriod:    cfg.ICloudCheckPeriod.Duration,
		RefreshPeriod:  cfg.ICloudRefreshPeriod.Duration,
		DebouncePeriod: cfg.DebouncePeriod.Duration,
		MaxWorkers:     cfg.MaxWorkers,
	}, jobsDisabled, reconciler.RefreshLock, reconciler.InFlight,
		reconciler.RequestDirtyCheck, reconciler.BuildRefresh, reconciler.ApplyRefresh)

	watcher := watch.NewWatcher(cfg.Directory, pipeline)
	watcher.WasDir = func(relPath string) bool {
		node, ok := local.Paths.Get(relPath)
		return ok && node.IsDir()
	}

	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("filesystem watcher stopped", "error", err)
		}
	}()

	hupCh := sighupChannel()

	go func() {
		defer signal.Stop(hupCh)

		for {
			select {
			case <-hupCh:
				reloadFilter(cfg, filter, logger)
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("icloudds starting", "directory", cfg.Directory, "username", cfg.Username)

	if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return &cliError{code: exitCloudAPIFailure, err: err}
	}

	return nil
}

// reloadFilter re-reads the ignore/include pattern files named in cfg and
// hot-swaps them into filter, so an administrator can edit pattern files and
// signal the daemon (via the `reload` subcommand) instead of restarting it.
// A bad pattern file leaves the previous patterns in effect.
func reloadFilter(cfg *config.Config, filter *icloudsync.FilterSet, logger *slog.Logger) {
	ignore, err := readPatternFile(cfg.IgnoreRegexes)
	if err != nil {
		logger.Error("reload: reading ignore patterns", "error", err)
		return
	}

	include, err := readPatternFile(cfg.IncludeRegexes)
	if err != nil {
		logger.Error("reload: reading include patterns", "error", err)
		return
	}

	if err := filter.Reload(ignore, include); err != nil {
		logger.Error("reload: compiling patterns", "error", err)
		return
	}

	logger.Info("reloaded ignore/include patterns", "ignore_count", len(ignore), "include_count", len(include))
}

func buildFilter(cfg *config.Config) (*icloudsync.FilterSet, error) {
	ignore, err := readPatternFile(cfg.IgnoreRegexes)
	if err != nil {
		return nil, err
	}

	include, err := readPatternFile(cfg.IncludeRegexes)
	if err != nil {
		return nil, err
	}

	return icloudsync.NewFilterSet(ignore, include)
}

func readPatternFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file %s: %w", path, err)
	}
	defer f.Close()

	var patterns []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		patterns = append(patterns, line)
	}

	return patterns, scanner.Err()
}

func cookieDir(cfg *config.Config) string {
	if cfg.CookieDir != "" {
		return cfg.CookieDir
	}

	return config.DefaultCookieDir()
}

// newPlaceholderClient is the default ClientFactory. The wire protocol
// against the remote drive service is an external collaborator (spec.md
// §1); a real deployment supplies its own RemoteDriveClient implementation
// in place of this one.
func newPlaceholderClient(_ context.Context, _ *http.Client, _ *oauth2.Token) (icloudsync.RemoteDriveClient, error) {
	return nil, fmt.Errorf("cloud-api-failure: no RemoteDriveClient implementation configured")
}

// promptVerificationCode reads a two-factor code from stdin. A real
// interactive terminal is assumed; headless runs should pre-seed a cached
// session instead.
func promptVerificationCode(_ context.Context) (string, error) {
	fmt.Fprint(os.Stderr, "Enter verification code: ")

	reader := bufio.NewReader(os.Stdin)

	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(line), nil
}

// exitOnError prints a user-friendly error message to stderr and exits with
// the error's mapped exit code, or 1 if it carries none.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var ce *cliError
	if errors.As(err, &ce) {
		os.Exit(int(ce.code))
	}

	os.Exit(1)
}
