// Package main provides the neuroflow binary: an interactive focus coach
// running the neuroflow conversation workflow.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/neuroflow-go/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "neuroflow"
)

func main() {
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

func rootCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		metricsAddr string
		sessionID   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "ADHD focus coach",
		Long: `Neuroflow is a conversational focus coach. Each message runs through
a workflow that classifies intent, plans tasks into micro-steps, spots
avoidance patterns, tracks energy and time, and answers with one
concrete next step.

Plans pause for approval before they start. Reply with /approve,
/reject <feedback>, /edit or /cancel.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, logLevel, metricsAddr, sessionID)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	chat := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive coaching session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, logLevel, metricsAddr, sessionID)
		},
	}
	for _, c := range []*cobra.Command{cmd, chat} {
		c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus /metrics on this address")
		c.Flags().StringVar(&sessionID, "session", "", "Resume an existing session ID")
	}
	cmd.AddCommand(chat)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func runChat(ctx context.Context, configPath, logLevel, metricsAddr, sessionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app, err := NewApp(ctx, cfg, os.LookupEnv)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.RunREPL(ctx, os.Stdin, os.Stdout, sessionID)
}
