package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glimte/mmate-lite/interceptors"
	"github.com/glimte/mmate-lite/internal/reliability"
	"github.com/glimte/mmate-lite/messaging"
)

func newWorkerCmd(v *viper.Viper) *cobra.Command {
	var (
		echo     bool
		prefetch int
		attempts int
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker <queue>",
		Short: "Consume a queue and print every value",
		Long: `Consume a worker queue and print each value as one line of JSON.

Packed batches are printed item by item. With --echo the worker answers RPC
requests with the value it received.

Examples:
  mmate-lite worker jobs
  mmate-lite worker upper --echo --prefetch 10
  mmate-lite worker jobs --attempts 3 --handler-timeout 5s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, v)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if !cmd.Flags().Changed("prefetch") {
				prefetch = rt.cfg.Worker.Prefetch
			}

			queue := args[0]
			handler := func(ctx context.Context, msg *messaging.Message) (interface{}, error) {
				value, err := msg.Value()
				if err != nil {
					return nil, err
				}
				if err := rt.print(map[string]interface{}{
					"queue":  msg.Destination,
					"packed": msg.Packed,
					"value":  value,
				}); err != nil {
					return nil, err
				}
				if echo {
					return value, nil
				}
				return nil, nil
			}

			chain := interceptors.NewChain(rt.logger).Add(interceptors.NewLoggingInterceptor(rt.logger))
			if attempts > 1 {
				policy := reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, attempts)
				chain.Add(interceptors.NewRetryInterceptor(policy).WithLogger(rt.logger))
			}
			if timeout > 0 {
				chain.Add(interceptors.NewTimeoutInterceptor(timeout))
			}

			if err := rt.client.AddWorker(ctx, queue, chain.Then(handler), messaging.WithPrefetchCount(prefetch)); err != nil {
				return err
			}
			rt.logger.Info("worker running", "queue", queue)

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&echo, "echo", false, "reply to RPC requests with the received value")
	cmd.Flags().IntVar(&prefetch, "prefetch", 1, "unacknowledged deliveries per worker")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "attempts per value before it counts as failed")
	cmd.Flags().DurationVar(&timeout, "handler-timeout", 0, "time limit per attempt (0 means none)")
	return cmd
}

func newPushCmd(v *viper.Viper) *cobra.Command {
	var (
		count    int
		packSize int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "push <queue> <value>",
		Short: "Send a value to a worker queue",
		Long: `Send a value to a worker queue without waiting for a result.

With --pack-size above one the values are buffered and sent as packed
batches. Anything still buffered is flushed before the command exits.

Examples:
  mmate-lite push jobs '{"id": 1}'
  mmate-lite push jobs '"tick"' --count 100 --pack-size 25`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, v)
			if err != nil {
				return err
			}

			var opts []messaging.PushOption
			if packSize > 0 {
				opts = append(opts, messaging.WithPackSize(packSize))
			}
			if interval > 0 {
				opts = append(opts, messaging.WithPackInterval(interval))
			}

			value := parseValue(args[1])
			var pushErr error
			for i := 0; i < count && pushErr == nil; i++ {
				pushErr = rt.client.SendPush(cmd.Context(), args[0], value, opts...)
			}
			return errors.Join(pushErr, rt.close())
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of times to send the value")
	cmd.Flags().IntVar(&packSize, "pack-size", 0, "batch size (default from config)")
	cmd.Flags().DurationVar(&interval, "pack-interval", 0, "flush interval for partial batches (default from config)")
	return cmd
}

func newCallCmd(v *viper.Viper) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "call <queue> <value>",
		Short: "Send a request and print the reply",
		Long: `Send a request to a worker queue and wait for its reply.

The reply is printed as JSON. A worker failure is reported as an error.

Examples:
  mmate-lite call upper '"hello"'
  mmate-lite call upper '"hello"' --ttl 5s`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, v)
			if err != nil {
				return err
			}
			defer rt.close()

			var opts []messaging.CallOption
			if ttl > 0 {
				opts = append(opts, messaging.WithTTL(ttl))
			}

			reply, err := rt.client.Call(cmd.Context(), args[0], parseValue(args[1]), opts...)
			if err != nil {
				return err
			}

			var result interface{}
			if err := reply.Decode(&result); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			return rt.print(result)
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "how long to wait for the reply (default from config, 0 waits forever)")
	return cmd
}

func newPublishCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <topic> <value>",
		Short: "Publish a value to every subscriber of a topic",
		Example: `  mmate-lite publish prices '{"symbol": "ACME", "price": 12.5}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, v)
			if err != nil {
				return err
			}
			pubErr := rt.client.Publish(cmd.Context(), args[0], parseValue(args[1]))
			return errors.Join(pubErr, rt.close())
		},
	}
}

func newSubscribeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <topic>",
		Short: "Print everything published to a topic",
		Long: `Subscribe to a topic and print each publication as one line of JSON.

Only publications made while the subscription is active are received.`,
		Example: `  mmate-lite subscribe prices`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, v)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			topic := args[0]
			_, err = rt.client.Subscribe(ctx, topic, func(ctx context.Context, msg *messaging.Message) error {
				value, err := msg.Value()
				if err != nil {
					return err
				}
				return rt.print(map[string]interface{}{
					"topic": topic,
					"value": value,
				})
			})
			if err != nil {
				return err
			}
			rt.logger.Info("subscribed", "topic", topic)

			<-ctx.Done()
			return nil
		},
	}
}
