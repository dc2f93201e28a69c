package cmd

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/austindbirch/logship/internal/config"
	"github.com/austindbirch/logship/internal/diskguard"
	"github.com/austindbirch/logship/internal/queue"
)

type bufferStats struct {
	Dir         string `json:"dir"`
	Records     int    `json:"records"`
	SizeBytes   uint64 `json:"size_bytes"`
	DiskUsedPct int    `json:"disk_used_percent"`
	Threshold   int    `json:"threshold"`
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show buffer statistics",
	Long:  `Open the on-disk buffer and print its depth, size and disk headroom.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := collectStats(cfg.Shipper)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, st)
			return nil
		}
		fmt.Fprintf(out, "Buffer: %s\n", st.Dir)
		fmt.Fprintf(out, "  Records: %s\n", humanize.Comma(int64(st.Records)))
		fmt.Fprintf(out, "  Size on disk: %s\n", humanize.Bytes(st.SizeBytes))
		if st.DiskUsedPct >= 0 {
			fmt.Fprintf(out, "  Disk used: %d%%", st.DiskUsedPct)
			if st.Threshold != config.DisabledThreshold {
				fmt.Fprintf(out, " (drops at %d%%)", st.Threshold)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func collectStats(cfg config.Shipper) (bufferStats, error) {
	q, err := queue.Open(queue.Options{Dir: cfg.BufferDir})
	if err != nil {
		return bufferStats{}, fmt.Errorf("open buffer: %w", err)
	}
	st := bufferStats{Dir: cfg.BufferDir, Records: q.Len(), Threshold: cfg.FSPercentThreshold}
	if err := q.Close(); err != nil {
		return bufferStats{}, err
	}

	st.SizeBytes, err = dirSize(cfg.BufferDir)
	if err != nil {
		return bufferStats{}, err
	}
	st.DiskUsedPct = -1
	if pct, err := diskguard.New(cfg.BufferDir, cfg.FSPercentThreshold, nil).UsedPercent(); err == nil {
		st.DiskUsedPct = pct
	}
	return st, nil
}

func dirSize(dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", dir, err)
	}
	return total, nil
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
