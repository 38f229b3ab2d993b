package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mmate "github.com/glimte/mmate-lite"
	"github.com/glimte/mmate-lite/config"
	"github.com/glimte/mmate-lite/health"
	"github.com/glimte/mmate-lite/internal/rabbitmq"
	"github.com/glimte/mmate-lite/internal/reliability"
	"github.com/glimte/mmate-lite/monitor"
	rabbitmqTransport "github.com/glimte/mmate-lite/transports/rabbitmq"
)

const shutdownTimeout = 10 * time.Second

// runtime is everything a subcommand needs: the loaded config, a connected
// client and the optional metrics server
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	client  *mmate.Client
	metrics *monitor.Metrics
	server  *monitor.Server
	out     io.Writer
}

func setup(cmd *cobra.Command, v *viper.Viper) (*runtime, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := monitor.SetupLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	metrics := monitor.NewMetrics()

	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("rabbitmq-publish"),
		reliability.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		reliability.WithTimeout(cfg.Breaker.Timeout),
		reliability.WithBreakerLogger(logger),
		reliability.WithStateChangeListener(metrics.BreakerListener()),
	)

	client, err := mmate.NewClient(cfg.URL,
		mmate.WithLogger(logger),
		mmate.WithMetrics(metrics),
		mmate.WithRoutes(cfg.RouteTable()),
		mmate.WithOnConnectionError(func(err error) {
			logger.Error("broker connection lost", "error", err)
		}),
		mmate.WithTransportOptions(
			rabbitmqTransport.WithCircuitBreaker(breaker),
			rabbitmqTransport.WithConnectionOptions(
				rabbitmq.WithReconnectDelay(cfg.Reconnect.Delay),
				rabbitmq.WithMaxReconnectDelay(cfg.Reconnect.MaxDelay),
				rabbitmq.WithMaxRetries(cfg.Reconnect.MaxRetries),
			),
		),
	)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		metrics: metrics,
		out:     cmd.OutOrStdout(),
	}

	if cfg.Metrics.Addr != "" {
		transport := client.Transport()
		registry := health.NewRegistry()
		registry.SetMetadata("version", version)
		registry.Register(health.NewBrokerChecker(transport, transport))
		registry.Register(health.NewBreakerChecker(breaker))
		registry.Register(health.NewGoroutineChecker(1000, 10000))
		rt.server = monitor.Serve(cfg.Metrics.Addr, metrics, registry, logger)
	}

	if err := client.EnsureConnection(cmd.Context()); err != nil {
		_ = rt.close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return rt, nil
}

// close flushes pending pushes and releases the connection
func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := rt.client.Shutdown(ctx)
	if rt.server != nil {
		if shutdownErr := rt.server.Shutdown(ctx); shutdownErr != nil {
			rt.logger.Warn("metrics server shutdown failed", "error", shutdownErr)
		}
	}
	return err
}

// print writes v as one line of JSON
func (rt *runtime) print(v interface{}) error {
	return writeJSON(rt.out, v)
}

func writeJSON(w io.Writer, v interface{}) error {
	b, err := json.Marshal(normalize(v))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// normalize turns the map[interface{}]interface{} values msgpack may produce
// into something encoding/json accepts
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	case []byte:
		return string(t)
	default:
		return v
	}
}

// parseValue reads a command-line argument as JSON, falling back to the raw
// string when it is not valid JSON
func parseValue(arg string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
