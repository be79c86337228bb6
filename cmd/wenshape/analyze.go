package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dotcommander/wenshape/internal/agent"
	"github.com/dotcommander/wenshape/internal/analysis"
	"github.com/dotcommander/wenshape/internal/binding"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
)

var analyzeProject string

var analyzeCmd = &cobra.Command{
	Use:   "analyze [chapters...]",
	Short: "Analyze finalized chapters and sync canon, summaries and bindings",
	Long: `Analyze runs the chapter analysis pipeline over the given chapters,
or over every chapter of the project when none are given. Summaries,
extracted facts, conflict reports, bindings and volume summaries are
persisted as each chapter completes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		factory, err := storage.NewFactory(cfg.Storage.DataDir, slog.Default())
		if err != nil {
			return err
		}
		store, err := factory.Project(analyzeProject)
		if err != nil {
			return err
		}
		gw := cfg.Gateway()
		chunks := index.NewTextChunkIndexer(store, slog.Default())
		indexer := index.NewEvidenceIndexer(store, chunks, slog.Default())
		binder := binding.NewService(store, indexer, slog.Default())
		archivist := agent.NewArchivist(gw, slog.Default())
		pipeline := analysis.NewPipeline(store, archivist, binder, nil, slog.Default())

		result, err := pipeline.BatchSync(cmd.Context(), args)
		if err != nil {
			return err
		}
		fmt.Printf("analyzed %d/%d chapters\n", result.Analyzed, len(result.Chapters))
		for _, ch := range result.Failed {
			fmt.Printf("failed: %s\n", ch)
		}
		return nil
	},
}

func init() {
	analyzeCmd.PersistentFlags().StringVarP(&analyzeProject, "project", "p", "default", "project id")
}
