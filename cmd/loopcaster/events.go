package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voyagen/loopcaster/internal/cache"
	"github.com/voyagen/loopcaster/internal/events"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var channelID int64
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail channel events published by a running server (requires REDIS_URL)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return errors.New("events: REDIS_URL is not configured")
			}
			rds, err := cache.New(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer rds.Close()
			if err := rds.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			sub := cache.NewEventPublisher(rds, zap.NewNop())
			return sub.Subscribe(cmd.Context(), func(ev events.Event) {
				if channelID != 0 && ev.ChannelID != channelID {
					return
				}
				_ = enc.Encode(ev)
			})
		},
	}
	cmd.Flags().Int64Var(&channelID, "channel", 0, "Only show events for this channel id")
	return cmd
}
