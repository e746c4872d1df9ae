package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/callbridge/internal/adapters/rtc"
	"github.com/dkeye/callbridge/internal/client"
	"github.com/dkeye/callbridge/internal/core"
)

func newRunCmd() *cobra.Command {
	var (
		url        string
		token      string
		maxRetries int
		baseDelay  time.Duration
		heartbeat  time.Duration
		answer     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect as an agent and wait for calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, url, token, maxRetries, baseDelay, heartbeat, answer)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Relay origin")
	cmd.Flags().StringVar(&token, "token", "", "Signal token")
	cmd.Flags().IntVar(&maxRetries, "max-retries", client.DefaultMaxRetries, "Reconnect attempts before giving up")
	cmd.Flags().DurationVar(&baseDelay, "base-delay", client.DefaultBaseDelay, "First reconnect delay, doubled per attempt")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", client.DefaultHeartbeatInterval, "Ping interval")
	cmd.Flags().BoolVar(&answer, "answer", false, "Answer incoming calls with a receive-only peer connection")
	return cmd
}

func runAgent(ctx context.Context, url, token string, maxRetries int, baseDelay, heartbeat time.Duration, answer bool) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var c *client.Client
	a := newAgent(ctx, answer, rtc.DefaultWebRTCConfig())

	c, err := client.New(client.Options{
		BaseURL:           url,
		Token:             token,
		MaxRetries:        maxRetries,
		BaseDelay:         baseDelay,
		HeartbeatInterval: heartbeat,
		OnConnect:         func() { a.onConnect() },
		OnMessage:         func(m core.Message) { a.onMessage(m) },
		OnDisconnect: func(code int) {
			a.onDisconnect(code)
			if c.Exhausted() {
				cancel(fmt.Errorf("gave up after %d reconnect attempts", maxRetries))
			}
		},
	})
	if err != nil {
		return err
	}
	a.sig = c

	if err := c.Connect(); err != nil {
		return err
	}
	<-ctx.Done()
	c.Disconnect()

	cause := context.Cause(ctx)
	if errors.Is(cause, context.Canceled) {
		log.Info().Str("module", "agent").Msg("stopped")
		return nil
	}
	return cause
}
