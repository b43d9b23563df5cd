package main

import (
	"context"
	"fmt"
	"math"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"jasmine/config"
	"jasmine/internal/logger"
	"jasmine/internal/subscriber"
	"jasmine/internal/transport"
)

// clientFlags are shared by the commands that talk to a running cluster
type clientFlags struct {
	dialTimeout    time.Duration
	callTimeout    time.Duration
	maxMessageSize string
	logLevel       string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.dialTimeout, "dial-timeout", 3*time.Second, "timeout for establishing connections")
	cmd.Flags().DurationVar(&f.callTimeout, "call-timeout", 2*time.Second, "timeout for each rpc")
	cmd.Flags().StringVar(&f.maxMessageSize, "max-message-size", "4MB", "largest message sent or received")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func (f *clientFlags) dialer() (*transport.GRPCDialer, int, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(f.maxMessageSize)); err != nil {
		return nil, 0, fmt.Errorf("invalid max message size %q: %w", f.maxMessageSize, err)
	}
	if size.Bytes() > math.MaxInt32 {
		return nil, 0, fmt.Errorf("max message size %q exceeds %d bytes", f.maxMessageSize, math.MaxInt32)
	}
	return transport.NewGRPCDialer(f.dialTimeout, int(size.Bytes())), int(size.Bytes()), nil
}

func (f *clientFlags) logger() (*logger.Logger, error) {
	return logger.NewLogger(&config.LogConfig{Level: f.logLevel, OutputPath: "stdout", Encoding: "console"})
}

func (f *clientFlags) broker(ctx context.Context, address string) (transport.BrokerClient, error) {
	d, _, err := f.dialer()
	if err != nil {
		return nil, err
	}
	return d.DialBroker(ctx, address)
}

func newSubscribeCmd() *cobra.Command {
	var f clientFlags
	var brokers []string
	var listen, advertise string

	cmd := &cobra.Command{
		Use:   "subscribe TOPIC...",
		Short: "Receive messages for topics from every broker of a cluster",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, topics []string) error {
			log, err := f.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			d, maxSize, err := f.dialer()
			if err != nil {
				return err
			}
			if advertise == "" {
				advertise = listen
			}

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}

			sub := subscriber.New(subscriber.Config{
				Address:        advertise,
				Brokers:        brokers,
				CallTimeout:    f.callTimeout,
				MaxMessageSize: maxSize,
			}, d, func(_ context.Context, msg *transport.Message) error {
				log.Info("message received",
					"topic", msg.Topic,
					"consistent", msg.IsConsistent,
					"message", msg.Message)
				return nil
			}, log)
			defer sub.Close()

			serveErr := make(chan error, 1)
			go func() { serveErr <- sub.Serve(lis) }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := sub.Attach(ctx, topics...); err != nil {
				log.Warn("some brokers did not accept the subscription", "error", err)
			}

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				return err
			}

			detachCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sub.Detach(detachCtx, topics...); err != nil {
				log.Warn("detach incomplete", "error", err)
			}
			log.Info("subscriber stopped", "received", sub.Received())
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().StringSliceVar(&brokers, "brokers", nil, "broker addresses (comma separated)")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9000", "address to serve pushed messages on")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address brokers dial back to (default: --listen)")
	cmd.MarkFlagRequired("brokers")

	return cmd
}

func newPublishCmd() *cobra.Command {
	var f clientFlags
	var address string
	var consistent bool

	cmd := &cobra.Command{
		Use:   "publish TOPIC MESSAGE",
		Short: "Publish a message through a broker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), f.dialTimeout+f.callTimeout)
			defer cancel()

			client, err := f.broker(ctx, address)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Publish(ctx, args[0], args[1], consistent); err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s on %s\n", args[0], address)
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&address, "broker", "127.0.0.1:7000", "broker address")
	cmd.Flags().BoolVar(&consistent, "consistent", false, "log the message on every broker before delivery")

	return cmd
}

func newPingCmd() *cobra.Command {
	var f clientFlags
	var address string

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a broker is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), f.dialTimeout+f.callTimeout)
			defer cancel()

			client, err := f.broker(ctx, address)
			if err != nil {
				return err
			}
			defer client.Close()

			start := time.Now()
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("ping %s failed: %w", address, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is alive (%s)\n", address, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&address, "broker", "127.0.0.1:7000", "broker address")

	return cmd
}
