package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flow.evalgo.org/common"
	"flow.evalgo.org/events"
)

func init() {
	eventsTailCmd.Flags().String("channel", events.DefaultChannel, "redis channel to subscribe to")
	eventsTailCmd.Flags().Bool("json", false, "print raw event JSON")
	eventsTailCmd.Flags().String("dedupe-path", filepath.Join(os.TempDir(), "flowd-tail.db"),
		"local dedupe file; empty disables deduplication")

	eventsCmd.AddCommand(eventsTailCmd)
	RootCmd.AddCommand(eventsCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "inspect the event feed",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "follow the redis event channel",
	Long: `tail subscribes to the redis pub/sub channel and prints events as
they are dispatched. Events redelivered after a dispatcher restart are
suppressed through a local dedupe file.`,
	Run: runEventsTail,
}

func runEventsTail(cmd *cobra.Command, args []string) {
	log := common.ComponentLogger("events")

	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if !cfg.Redis.Enabled {
		log.Fatal("events tail requires redis.enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := events.DialRedisSink(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer sink.Close()

	var dedupe *events.DedupeStore
	if path, _ := cmd.Flags().GetString("dedupe-path"); path != "" {
		dedupe, err = events.OpenDedupeStore(path)
		if err != nil {
			log.Fatalf("failed to open dedupe store: %v", err)
		}
		defer dedupe.Close()
	}

	channel, _ := cmd.Flags().GetString("channel")
	asJSON, _ := cmd.Flags().GetBool("json")

	out := make(chan *events.Event, 64)
	errc := make(chan error, 1)
	go func() { errc <- sink.Subscribe(ctx, channel, out) }()

	log.WithField("channel", channel).Info("tailing events, ^C to stop")
	for {
		select {
		case err := <-errc:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Fatalf("subscription failed: %v", err)
			}
			return
		case event := <-out:
			if dedupe != nil {
				if seen, err := dedupe.CheckAndMark(event.ID); err == nil && seen {
					continue
				}
			}
			line, err := formatEvent(event, asJSON)
			if err != nil {
				log.WithError(err).Warn("skipping unprintable event")
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
}

// formatEvent renders one event for the tail output.
func formatEvent(e *events.Event, asJSON bool) (string, error) {
	if asJSON {
		data, err := e.Marshal()
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	parts := []string{
		time.Unix(e.Timestamp, 0).UTC().Format(time.RFC3339),
		e.Type,
	}
	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	if e.FlowID != "" {
		parts = append(parts, "flow="+e.FlowID)
	}
	if e.CurrentNode != "" {
		parts = append(parts, "node="+e.CurrentNode)
	}
	if e.Status != "" {
		parts = append(parts, "status="+e.Status)
	}
	return strings.Join(parts, " "), nil
}
