package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
)

var indexProject string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Evidence index maintenance",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Force-rebuild all evidence indices and text chunks for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		factory, err := storage.NewFactory(cfg.Storage.DataDir, slog.Default())
		if err != nil {
			return err
		}
		store, err := factory.Project(indexProject)
		if err != nil {
			return err
		}
		chunks := index.NewTextChunkIndexer(store, slog.Default())
		indexer := index.NewEvidenceIndexer(store, chunks, slog.Default())

		metas, err := indexer.BuildAll(cmd.Context(), true)
		if err != nil {
			return err
		}
		for name, meta := range metas {
			fmt.Printf("%s: %d items\n", name, meta.ItemCount)
		}
		meta, err := chunks.Build(cmd.Context(), true)
		if err != nil {
			return err
		}
		fmt.Printf("text_chunks: %d items\n", meta.ItemCount)
		return nil
	},
}

func init() {
	indexCmd.PersistentFlags().StringVarP(&indexProject, "project", "p", "default", "project id")
	indexCmd.AddCommand(indexRebuildCmd)
}
