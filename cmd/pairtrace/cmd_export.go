package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pairtrace/pairtrace/internal/replay"
)

var (
	exportFormat      string
	exportOut         string
	exportSegmentID   string
	exportBookmarks   bool
	exportAnnotations bool
	exportSegments    bool
	exportAnalysis    bool
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", replay.FormatJSON, "output format: json, csv or markdown")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.Flags().StringVar(&exportSegmentID, "segment", "", "export only the given segment")
	exportCmd.Flags().BoolVar(&exportBookmarks, "bookmarks", true, "include bookmarks")
	exportCmd.Flags().BoolVar(&exportAnnotations, "annotations", true, "include annotations")
	exportCmd.Flags().BoolVar(&exportSegments, "segments", true, "include segments")
	exportCmd.Flags().BoolVar(&exportAnalysis, "analysis", false, "include the analysis summary")
}

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session's timeline",
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

		var w io.Writer = os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		opts := replay.ExportOptions{
			Format:             exportFormat,
			IncludeBookmarks:   exportBookmarks,
			IncludeAnnotations: exportAnnotations,
			IncludeSegments:    exportSegments,
			IncludeAnalysis:    exportAnalysis,
		}
		if exportSegmentID != "" {
			return mgr.ExportSegment(h.ID, exportSegmentID, opts, w)
		}
		return mgr.Export(h.ID, opts, w)
	},
}
