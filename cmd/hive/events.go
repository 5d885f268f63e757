package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/everydev1618/hive/serve"
)

var (
	eventsTopic string
	eventsSince int64
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail the server's event stream",
	Long: `Print bus events from a running server as they happen.

Examples:
  hive events
  hive events --topic orchestrator:task
  hive events --topic circuit
  hive events --since 0          # replay retained events first`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsTopic, "topic", "", "only show topics with this prefix")
	eventsCmd.Flags().Int64Var(&eventsSince, "since", -1, "replay retained events after this sequence number")
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	show := func(ev serve.StreamEvent) {
		fmt.Println(formatEvent(ev))
	}
	if eventsSince >= 0 {
		return client().StreamSince(ctx, eventsTopic, uint64(eventsSince), show)
	}
	return client().Stream(ctx, eventsTopic, show)
}
