package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-archiver/internal/clock/system"
	"github.com/JakeFAU/media-archiver/internal/dedup"
	"github.com/JakeFAU/media-archiver/internal/server"
)

var openStore = server.OpenStore

type checkOutput struct {
	URL          string     `json:"url"`
	Archived     bool       `json:"archived"`
	JobID        string     `json:"job_id,omitempty"`
	FilePath     string     `json:"file_path,omitempty"`
	FileExists   bool       `json:"file_exists"`
	ArchivedDate *time.Time `json:"archived_date,omitempty"`
	AgeDays      *int       `json:"age_days,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var months int
	cmd := &cobra.Command{
		Use:   "check <url>",
		Short: "Report whether a URL was archived within the dedup window.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := envFrom(cmd)
			store, closeStore, err := openStore(cmd.Context(), e.cfg.Store, e.logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			if months <= 0 {
				months = e.cfg.Dedup.WindowMonths
			}
			res, err := dedup.New(store, system.New(), months).CheckRecentlyArchived(cmd.Context(), args[0], months)
			if err != nil {
				return fmt.Errorf("check %s: %w", args[0], err)
			}

			out := checkOutput{URL: args[0]}
			if res != nil {
				created := res.Job.CreatedAt
				age := res.AgeDays
				out.Archived = true
				out.JobID = res.Job.ID
				out.FilePath = res.Job.FilePath
				out.FileExists = res.FileExists
				out.ArchivedDate = &created
				out.AgeDays = &age
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().IntVar(&months, "months", 0, "look-back window in months (default from config)")
	return cmd
}
