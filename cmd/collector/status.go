package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lawcorpus/collector/internal/checkpoint"
	"github.com/lawcorpus/collector/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current checkpoint without starting a run",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := checkpoint.Load(cfg.CheckpointPath, true)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	s := store.Snapshot()
	fmt.Printf("checkpoint: %s\n", cfg.CheckpointPath)
	fmt.Printf("started_at: %s\n", s.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("updated_at: %s\n", s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("total:      %d\n", s.Total)
	fmt.Printf("processed:  %d\n", s.Processed)
	fmt.Printf("succeeded:  %d\n", s.Succeeded)
	fmt.Printf("failed:     %d\n", s.Failed)
	fmt.Printf("skipped:    %d\n", s.Skipped)
	fmt.Printf("duplicate:  %d\n", s.Duplicate)
	fmt.Printf("last_document_id: %d\n", s.LastDocumentID)
	return nil
}
