package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-sync/internal/model"
)

var (
	syncChapters []string
	syncCodes    []string
	syncSince    string
)

var syncCmd = &cobra.Command{
	Use:       "sync <type>",
	Short:     "Enqueue a sync job (full-catalog, incremental-catalog, rate-update, notice-update, cleanup)",
	Args:      cobra.ExactArgs(1),
	ValidArgs: jobTypeNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		jobType := model.JobType(args[0])
		payload, err := buildSyncPayload(jobType)
		if err != nil {
			return err
		}

		job, err := a.Worker.Enqueue(ctx, jobType, payload, time.Time{})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func buildSyncPayload(t model.JobType) (model.JobPayload, error) {
	var payload model.JobPayload
	switch t {
	case model.JobFullCatalog, model.JobIncrementalCatalog:
		if len(syncChapters) > 0 || syncSince != "" {
			p := &model.CatalogPayload{Chapters: syncChapters}
			if syncSince != "" {
				since, err := time.Parse("2006-01-02", syncSince)
				if err != nil {
					return payload, err
				}
				p.Since = &since
			}
			payload.Catalog = p
		}
	case model.JobRateUpdate:
		payload.RateUpdate = &model.RateUpdatePayload{HTSCodes: syncCodes}
	case model.JobNoticeUpdate:
		if syncSince != "" {
			since, err := time.Parse("2006-01-02", syncSince)
			if err != nil {
				return payload, err
			}
			payload.Notice = &model.NoticePayload{Since: &since}
		}
	case model.JobCleanup:
		payload.Cleanup = &model.CleanupPayload{}
	}
	return payload, nil
}

func jobTypeNames() []string {
	out := make([]string, len(model.JobTypes))
	for i, t := range model.JobTypes {
		out[i] = string(t)
	}
	return out
}

func init() {
	syncCmd.Flags().StringSliceVar(&syncChapters, "chapters", nil, "HTS chapters to sync (default all)")
	syncCmd.Flags().StringSliceVar(&syncCodes, "codes", nil, "HTS codes for rate-update (default all)")
	syncCmd.Flags().StringVar(&syncSince, "since", "", "start date (YYYY-MM-DD)")
	rootCmd.AddCommand(syncCmd)
}
