package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairtrace/pairtrace/domain"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionImportCmd, sessionInfoCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect recorded sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all recorded sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		sessions, err := st.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTASK\tSTARTED\tDURATION")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.SessionID,
				s.Status,
				truncateCol(s.Task, 40),
				s.StartedAt.Format("2006-01-02 15:04:05"),
				s.Duration(time.Now()).Round(time.Second),
			)
		}
		return w.Flush()
	},
}

// sessionArchive is the JSON shape accepted by `session import`: one session
// plus its recorded collections.
type sessionArchive struct {
	Session        domain.Session              `json:"session"`
	Messages       []domain.Message            `json:"messages"`
	Communications []domain.AgentCommunication `json:"communications"`
	SystemEvents   []domain.SystemEvent        `json:"system_events"`
	Metrics        []domain.PerformanceMetric  `json:"metrics"`
}

var sessionImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import a recorded session archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		var archive sessionArchive
		if err := json.Unmarshal(data, &archive); err != nil {
			return fmt.Errorf("parse archive: %w", err)
		}
		if archive.Session.SessionID == "" {
			return fmt.Errorf("archive has no session id")
		}

		ctx := context.Background()
		if err := st.CreateSession(ctx, &archive.Session); err != nil {
			return fmt.Errorf("import session: %w", err)
		}
		for i := range archive.Messages {
			archive.Messages[i].SessionID = archive.Session.SessionID
			if err := st.CreateMessage(ctx, &archive.Messages[i]); err != nil {
				return fmt.Errorf("import message %d: %w", i, err)
			}
		}
		for i := range archive.Communications {
			archive.Communications[i].SessionID = archive.Session.SessionID
			if err := st.CreateCommunication(ctx, &archive.Communications[i]); err != nil {
				return fmt.Errorf("import communication %d: %w", i, err)
			}
		}
		for i := range archive.SystemEvents {
			archive.SystemEvents[i].SessionID = archive.Session.SessionID
			if err := st.CreateSystemEvent(ctx, &archive.SystemEvents[i]); err != nil {
				return fmt.Errorf("import system event %d: %w", i, err)
			}
		}
		for i := range archive.Metrics {
			archive.Metrics[i].SessionID = archive.Session.SessionID
			if err := st.CreateMetric(ctx, &archive.Metrics[i]); err != nil {
				return fmt.Errorf("import metric %d: %w", i, err)
			}
		}

		fmt.Printf("Imported session %s: %d messages, %d communications, %d events, %d metrics.\n",
			archive.Session.SessionID, len(archive.Messages), len(archive.Communications),
			len(archive.SystemEvents), len(archive.Metrics))
		return nil
	},
}

var sessionInfoCmd = &cobra.Command{
	Use:   "info <session-id>",
	Short: "Show a session's analysis summary",
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

		ctx := context.Background()
		h, err := mgr.Prepare(ctx, args[0], prepareOptions())
		if err != nil {
			return err
		}

		fmt.Printf("Session:  %s\n", h.SessionID)
		fmt.Printf("Title:    %s\n", h.Metadata.Title)
		fmt.Printf("Duration: %s\n", h.Metadata.Duration.Round(time.Millisecond))
		fmt.Printf("Events:   %d\n", h.State.TotalEvents())
		fmt.Printf("Errors:   %.1f%%\n", h.Analysis.Performance.ErrorRate*100)
		fmt.Printf("Cost:     $%.4f\n", h.Analysis.Performance.TotalCost)

		if len(h.Analysis.KeyMoments) > 0 {
			fmt.Println("\nKey moments:")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, km := range h.Analysis.KeyMoments {
				fmt.Fprintf(w, "  %s\t%s\t%s\n",
					km.Timestamp.UTC().Format("15:04:05"), km.Importance, km.Description)
			}
			w.Flush()
		}
		if len(h.Analysis.WorkflowPhases) > 0 {
			fmt.Println("\nWorkflow phases:")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, ph := range h.Analysis.WorkflowPhases {
				fmt.Fprintf(w, "  %s\t%d messages\t%s\n",
					ph.Agent, ph.EndIndex-ph.StartIndex+1, ph.Duration().Round(time.Millisecond))
			}
			w.Flush()
		}
		return nil
	},
}

func truncateCol(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
