package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/config"
	"github.com/deskshell/deskshell/internal/logs"
	"github.com/deskshell/deskshell/internal/shell"
	"github.com/deskshell/deskshell/web"
)

var (
	configFile   string
	dataDir      string
	port         int
	mode         string
	assetRoot    string
	rendererName string
	bundlerKind  string
	noAuth       bool
	logLevel     string
	logToFile    bool
	logDir       string

	version = "v0.1.0" // This will be injected by -ldflags during build
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		code := exitCodeFor(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code != ExitCodeGeneralError {
			fmt.Fprintf(os.Stderr, "Exit code %d: %s\n", code, exitCodeDescription(code))
		}
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "deskshell",
		Short:         "Desktop shell serving a local web frontend with native capabilities",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd, "")
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path")
	flags.StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.deskshell)")
	flags.IntVarP(&port, "port", "p", 0, "Loopback HTTPS port (0 picks a free port)")
	flags.StringVar(&mode, "mode", "", "Run mode: production or development")
	flags.StringVar(&assetRoot, "asset-root", "", "Frontend directory (default: the embedded bundle)")
	flags.StringVar(&rendererName, "renderer", "", "Renderer backend: webview, chromium, headless or none")
	flags.StringVar(&bundlerKind, "bundler", "", "Development bundler: esbuild, command or none")
	flags.BoolVar(&noAuth, "no-auth", false, "Disable the per-run auth key (testing only)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.BoolVar(&logToFile, "log-to-file", true, "Enable logging to file in standard OS location")
	flags.StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")

	rootCmd.AddCommand(newServeCommand(), newCertCommand(), newCapabilitiesCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTPS server and bridge without opening a window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd, config.RendererNone)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

func runShell(cmd *cobra.Command, forceRenderer string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if forceRenderer != "" {
		cfg.Renderer.Backend = forceRenderer
	}

	redactor := logs.NewRedactor()
	logger, err := logs.SetupLogger(cfg.Logging, redactor)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting deskshell",
		zap.String("version", version),
		zap.String("mode", cfg.Mode),
		zap.String("renderer", cfg.Renderer.Backend),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("embedded_bundle", cfg.AssetRoot == "" && web.Embedded()))

	app, err := shell.New(shell.Options{
		Config:   cfg,
		Version:  version,
		Bundle:   web.Dist(),
		Logger:   logger,
		Redactor: redactor,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			app.Quit()
		case <-ctx.Done():
		}
	}()

	// the window needs the main goroutine on some platforms, so Run stays here
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
