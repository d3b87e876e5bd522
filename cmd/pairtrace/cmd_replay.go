package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairtrace/pairtrace/config"
	"github.com/pairtrace/pairtrace/domain"
	"github.com/pairtrace/pairtrace/internal/replay"
	"github.com/pairtrace/pairtrace/internal/timeline"
	"github.com/pairtrace/pairtrace/store"
)

var (
	replaySpeed       float64
	replayAutoAdvance bool
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.AddCommand(replayTimelineCmd, replayRunCmd, replayBookmarksCmd)
	replayRunCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "playback speed multiplier")
	replayRunCmd.Flags().BoolVar(&replayAutoAdvance, "auto-advance", true, "pace playback by recorded gaps")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded session",
}

func newManager(cfg *config.Config, st *store.SQLiteStore) *replay.Manager {
	return replay.NewManager(st, st, replay.ManagerConfig{
		Timeline: timeline.Config{
			PeakWindow:              cfg.PeakWindow,
			SpikeThresholdPerMinute: cfg.SpikeThresholdPerMinute,
			SpikeSkipFactor:         cfg.SpikeSkipFactor,
		},
		TickInterval:  cfg.TickInterval,
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
	})
}

func prepareOptions() replay.PrepareOptions {
	return replay.PrepareOptions{}
}

var replayTimelineCmd = &cobra.Command{
	Use:   "timeline <session-id>",
	Short: "Print a session's merged timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		mgr := newManager(cfg, st)
		defer mgr.Shutdown(context.Background())

		h, err := mgr.Prepare(context.Background(), args[0], prepareOptions())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IDX\tTIME\tKIND\tDETAIL")
		for _, ev := range h.State.Timeline() {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				ev.Index, ev.Timestamp.UTC().Format("15:04:05.000"), ev.Kind, eventDetail(ev))
		}
		return w.Flush()
	},
}

var replayRunCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Play a session back to the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		mgr := newManager(cfg, st)
		defer mgr.Shutdown(context.Background())

		h, err := mgr.Prepare(context.Background(), args[0], prepareOptions())
		if err != nil {
			return err
		}
		if h.State.TotalEvents() == 0 {
			fmt.Println("Session has no events.")
			return nil
		}

		h.State.SetAutoAdvance(replayAutoAdvance)

		done := make(chan struct{})
		var once sync.Once
		var mu sync.Mutex
		lastPrinted := -1
		unsubscribe := h.State.Subscribe(func(snap replay.Snapshot) {
			mu.Lock()
			for i := lastPrinted + 1; i <= snap.CurrentIndex && i < len(snap.Timeline); i++ {
				ev := snap.Timeline[i]
				fmt.Printf("[%s] %-13s %s\n",
					ev.Timestamp.UTC().Format("15:04:05.000"), ev.Kind, eventDetail(ev))
				lastPrinted = i
			}
			mu.Unlock()
			if !snap.IsPlaying && snap.CurrentIndex >= len(snap.Timeline)-1 {
				once.Do(func() { close(done) })
			}
		})
		defer unsubscribe()

		if err := h.Controls.Play(replay.PlayOptions{Speed: replaySpeed}); err != nil {
			return err
		}
		<-done

		fmt.Printf("\nReplayed %d events in %s.\n",
			h.State.TotalEvents(), h.State.Duration().Round(time.Millisecond))
		return nil
	},
}

var replayBookmarksCmd = &cobra.Command{
	Use:   "bookmarks <session-id>",
	Short: "List a session's bookmarks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		mgr := newManager(cfg, st)
		defer mgr.Shutdown(context.Background())

		h, err := mgr.Prepare(context.Background(), args[0], prepareOptions())
		if err != nil {
			return err
		}

		bookmarks := h.State.Bookmarks()
		if len(bookmarks) == 0 {
			fmt.Println("No bookmarks.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tBY\tLABEL")
		for _, b := range bookmarks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				b.ID, b.Timestamp.UTC().Format("15:04:05.000"), b.CreatedBy, b.Label)
		}
		return w.Flush()
	},
}

func eventDetail(ev domain.TimelineEvent) string {
	switch ev.Kind {
	case domain.EventKindMessage:
		return fmt.Sprintf("%s %s: %s", ev.Message.Agent, ev.Message.Type, truncateCol(ev.Message.Content, 60))
	case domain.EventKindCommunication:
		return fmt.Sprintf("%s to %s: %s", ev.Communication.FromAgent, ev.Communication.ToAgent, truncateCol(ev.Communication.Content, 60))
	case domain.EventKindSystemEvent:
		return ev.SystemEvent.Kind
	case domain.EventKindMetric:
		return fmt.Sprintf("%dms $%.4f", ev.Metric.ResponseTimeMs, ev.Metric.Cost)
	default:
		return ""
	}
}
