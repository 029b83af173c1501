package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/KaramelBytes/datadash-cli/internal/app"
	"github.com/KaramelBytes/datadash-cli/internal/auth"
	cfgpkg "github.com/KaramelBytes/datadash-cli/internal/config"
	"github.com/KaramelBytes/datadash-cli/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile string
	debug   bool
	// Overrides applied on top of the loaded config
	flagAPIURL         string
	flagHTTPTimeoutSec int
	flagStore          string
	flagEphemeral      bool

	// Loaded configuration
	cfg    *cfgpkg.Global
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "datadash",
	Short: "datadash: ask questions about your CSV data from the terminal",
	Long: `datadash is a command-line client for the AI data dashboard. Upload a CSV
file, browse its preview, statistics and charts, and ask questions about it in
plain language. Your session is kept on disk until you log out.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute is the entry point called by main.main()
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "✗ Error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	// Assigned here rather than in the literal to avoid an initialization
	// cycle (loadConfig reads rootCmd's persistent flags).
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loadConfig()
		return initLogger()
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.datadash/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "backend base URL (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagHTTPTimeoutSec, "http-timeout", 0, "HTTP client timeout in seconds (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "session store driver: file|sqlite|memory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flagEphemeral, "ephemeral", false, "keep the session in memory for this run only")
}

func loadConfig() {
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		// Non-fatal: fall back to defaults
		fmt.Fprintf(os.Stderr, "⚠ Warning: failed to load config: %v\n", err)
		c = &cfgpkg.Global{
			APIBaseURL:     "http://localhost:8000/api",
			HTTPTimeoutSec: 120,
			StoreDriver:    store.DriverFile,
			LogLevel:       "warn",
			StatsWaitSec:   30,
		}
		if dir, derr := cfgpkg.Dir(); derr == nil {
			c.StateDir = filepath.Join(dir, "state")
		}
	}
	cfg = c

	// Apply CLI overrides if provided
	f := rootCmd.PersistentFlags()
	if f.Changed("api-url") && flagAPIURL != "" {
		cfg.APIBaseURL = flagAPIURL
	}
	if f.Changed("http-timeout") && flagHTTPTimeoutSec > 0 {
		cfg.HTTPTimeoutSec = flagHTTPTimeoutSec
	}
	if f.Changed("store") && flagStore != "" {
		cfg.StoreDriver = flagStore
	}
	if flagEphemeral {
		cfg.StoreDriver = store.DriverMemory
	}
}

func initLogger() error {
	zc := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.WarnLevel
	}
	if debug {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	l, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = l
	return nil
}

var errSignedOut = errors.New("not signed in; run `datadash login <email>` first")

// openApp builds the client and runs the hydration gate. The caller must
// Close the returned app.
func openApp() (*app.App, error) {
	a, err := app.New(app.Options{
		BaseURL:     cfg.APIBaseURL,
		HTTPTimeout: time.Duration(cfg.HTTPTimeoutSec) * time.Second,
		StoreDriver: cfg.StoreDriver,
		StateDir:    cfg.StateDir,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Boot(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠ Warning: could not restore sign-in: %v\n", err)
	}
	return a, nil
}

// openSignedIn is openApp for commands that need a credential.
func openSignedIn() (*app.App, error) {
	a, err := openApp()
	if err != nil {
		return nil, err
	}
	if !a.Auth.Authenticated() {
		_ = a.Close()
		return nil, errSignedOut
	}
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		logger.Warn("close app", zap.Error(err))
	}
}

// signedOut maps the auth sentinel onto the user-facing message.
func signedOut(err error) error {
	if errors.Is(err, auth.ErrNotAuthenticated) {
		return errSignedOut
	}
	return err
}
