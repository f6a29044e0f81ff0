package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/audit-trail/internal/audit"
	"github.com/ziadkadry99/audit-trail/internal/db"
)

var (
	archiveBefore string
	archiveTenant string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move old live entries into the archive tier",
	Long: `Relocates live entries older than --before into the archive tier. Entries
keep their ids, sequence numbers and hashes, so the chain still verifies.

--before accepts a date (2026-01-31), an RFC 3339 timestamp, or an age
such as 90d or 720h.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cutoff, err := parseCutoff(archiveBefore, time.Now())
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		defer logger.Sync()

		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		ctx := cmd.Context()
		store := audit.NewStore(database, audit.WithLogger(logger))

		tenants, err := targetTenants(ctx, store, archiveTenant)
		if err != nil {
			return err
		}

		fmt.Printf("Archiving entries before %s (%s)\n",
			cutoff.Format(time.RFC3339), humanize.Time(cutoff))

		var total int64
		for _, tenantID := range tenants {
			moved, err := store.RelocateBefore(ctx, tenantID, cutoff)
			if err != nil {
				return fmt.Errorf("archiving tenant %s: %w", tenantID, err)
			}
			if verbose {
				counts, err := store.CountByTier(ctx, tenantID)
				if err != nil {
					return err
				}
				fmt.Printf("  %s: moved %s (live %s, archive %s)\n", tenantID, humanize.Comma(moved),
					humanize.Comma(int64(counts.Live)), humanize.Comma(int64(counts.Archive)))
			} else if moved > 0 {
				fmt.Printf("  %s: %s entries\n", tenantID, humanize.Comma(moved))
			}
			total += moved
		}
		fmt.Printf("Archived %s entries across %d tenants\n", humanize.Comma(total), len(tenants))
		return nil
	},
}

// parseCutoff turns --before into an absolute time. Ages are measured back
// from now.
func parseCutoff(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("--before is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n > 0 {
			return now.UTC().AddDate(0, 0, -n), nil
		}
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.UTC().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid --before %q: want a date, RFC 3339 timestamp, or age like 90d", v)
}

func init() {
	archiveCmd.Flags().StringVar(&archiveBefore, "before", "", "archive entries older than this date or age (required)")
	archiveCmd.Flags().StringVar(&archiveTenant, "tenant", "", "archive only this tenant (default: all tenants)")
	archiveCmd.MarkFlagRequired("before")
	rootCmd.AddCommand(archiveCmd)
}
