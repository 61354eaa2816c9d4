// Command mystic is the thin shell around the function-control plane: it
// loads configuration, optionally loads scripts, and serves the MCP surface
// over stdio, HTTP or SSE.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mystic/internal/config"
	"mystic/internal/logging"
	"mystic/internal/server"
)

var (
	configPath string
	verbose    bool

	transport string
	addr      string
	scripts   []string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mystic",
	Short: "Runtime function-control plane with an MCP surface",
	Long: `mystic interposes on registered functions to provide call interception
(cache, mock, block, redirect, analyze), structured call logging with
redaction, introspection with JSON-schema generation, performance
accounting and a snapshot timeline, all exposed to AI clients over
JSON-RPC.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if verbose {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		config.SetGlobal(cfg)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Global()
		if transport == "" {
			transport = cfg.MCPTransport
		}
		if addr == "" {
			addr = fmt.Sprintf("%s:%d", cfg.MCPHost, cfg.MCPPort)
		}

		// Stdio must keep stdout clean for JSON-RPC; in that mode events go
		// to stderr, or to the log file when the format is file.
		var opts []logging.LoggerOption
		if transport == "stdio" && cfg.LogFormat != config.FormatFile {
			opts = append(opts, logging.WithOutput(os.Stderr))
		}

		rt, err := server.NewRuntime(cfg, logger, opts...)
		if err != nil {
			return err
		}
		defer rt.Close()

		for _, path := range scripts {
			ids, err := rt.LoadScriptFile(path)
			if err != nil {
				return fmt.Errorf("load script %s: %w", path, err)
			}
			logger.Info("script registered", zap.String("path", path), zap.Int("functions", len(ids)))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		switch transport {
		case "stdio":
			return rt.ServeStdio(ctx, os.Stdin, os.Stdout)
		case "http", "sse":
			srv := server.NewHTTPServer(rt, addr)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		default:
			return fmt.Errorf("unknown transport %q (want stdio, http or sse)", transport)
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Global()
		fmt.Printf("environment:      %s\n", cfg.Environment)
		fmt.Printf("data_dir:         %s\n", cfg.DataDir)
		fmt.Printf("cache_dir:        %s\n", cfg.CacheDir)
		fmt.Printf("log_dir:          %s\n", cfg.LogDir)
		fmt.Printf("log_format:       %s\n", cfg.LogFormat)
		fmt.Printf("filter_sensitive: %t\n", cfg.FilterSensitive)
		fmt.Printf("max_cache:        %d\n", cfg.MaxCacheEntries)
		fmt.Printf("max_snapshots:    %d\n", cfg.MaxSnapshots)
		fmt.Printf("mcp:              %s %s:%d\n", cfg.MCPTransport, cfg.MCPHost, cfg.MCPPort)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ".mystic/config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.Global().Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose diagnostics")

	serveCmd.Flags().StringVar(&transport, "transport", "", "stdio, http or sse (default from config)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address for http/sse")
	serveCmd.Flags().StringSliceVar(&scripts, "script", nil, "Go script file(s) to load at startup")

	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(serveCmd, configCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
