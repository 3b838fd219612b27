package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	edge "github.com/glimte/mmate-edge"
	"github.com/glimte/mmate-edge/bridge"
	"github.com/glimte/mmate-edge/config"
	"github.com/glimte/mmate-edge/contracts"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "edgeagent",
		Short: "Bridge MQTT commands to the openHAB REST API",
		Long: `edgeagent subscribes to a site's command topic, forwards each command to the
local openHAB REST API and publishes the correlated response. It also publishes
presence, heartbeat and telemetry on the site's status and data topics.

All settings are read from the environment (SITE_ID, MQTT_*, AMQP_URL, OH_*).`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), out)
		},
	}
	rootCmd.SetOut(out)

	// Run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the edge agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), out)
		},
	}

	// Publish command
	var (
		method         string
		endpoint       string
		data           string
		headers        map[string]string
		idempotencyKey string
		timeout        time.Duration
	)
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Send one command through the broker and print the response",
		Long: `Publish a command on the site's command topic and wait for the response with
the same correlation id. --data is sent as JSON when it parses, otherwise as a string.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			logger := config.NewLogger(settings.Logging, os.Stderr)

			command := contracts.Command{
				Method:         strings.ToUpper(method),
				Endpoint:       endpoint,
				Data:           parseData(data),
				Headers:        headers,
				IdempotencyKey: idempotencyKey,
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			transport, err := edge.NewTransport(settings, edge.RoleController, logger)
			if err != nil {
				return fmt.Errorf("failed to create transport: %w", err)
			}
			if err := transport.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer transport.Disconnect(context.Background())

			requester, err := bridge.NewRequester(transport, settings.Topics(), bridge.WithRequesterLogger(logger))
			if err != nil {
				return err
			}
			resp, err := requester.Request(ctx, command, timeout)
			if err != nil {
				return err
			}
			return printJSON(out, resp)
		},
	}
	publishCmd.Flags().StringVarP(&method, "method", "m", "GET", "HTTP method")
	publishCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "openHAB path, e.g. /rest/items/Kitchen/state")
	publishCmd.Flags().StringVarP(&data, "data", "d", "", "Request body")
	publishCmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "Extra request header as key=value (repeatable)")
	publishCmd.Flags().StringVarP(&idempotencyKey, "idempotency-key", "k", "", "Idempotency key for safe retries")
	publishCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "How long to wait for the response")
	_ = publishCmd.MarkFlagRequired("endpoint")

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Stream the agent's status messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			logger := config.NewLogger(settings.Logging, os.Stderr)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			transport, err := edge.NewTransport(settings, edge.RoleController, logger)
			if err != nil {
				return fmt.Errorf("failed to create transport: %w", err)
			}
			if err := transport.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer transport.Disconnect(context.Background())

			topic := settings.Topics().Status
			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s... Press Ctrl+C to stop\n", topic)
			return bridge.WatchStatus(ctx, transport, topic, func(status contracts.StatusMessage) {
				_ = printJSON(out, status)
			})
		},
	}

	// Config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			return printJSON(out, settings.Redacted())
		},
	}

	rootCmd.AddCommand(runCmd, publishCmd, statusCmd, configCmd)
	return rootCmd
}

func runAgent(parent context.Context, out io.Writer) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(settings.Logging, out)
	slog.SetDefault(logger)
	routePahoLogs(logger.Handler())

	agent, err := edge.New(settings, edge.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return agent.Run(ctx)
}

// routePahoLogs sends the Paho client's internal logs through slog
func routePahoLogs(handler slog.Handler) {
	paho.CRITICAL = slog.NewLogLogger(handler, slog.LevelError)
	paho.ERROR = slog.NewLogLogger(handler, slog.LevelError)
	paho.WARN = slog.NewLogLogger(handler, slog.LevelWarn)
}

// parseData decodes raw as JSON, falling back to the raw string
func parseData(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
