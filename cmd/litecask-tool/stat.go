package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/litecask-go/litecask"
)

func runStat(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: stat store_path")
	}
	path := cmd.Args().First()

	ds, err := litecask.Open(path, false)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer ds.Close()

	cfg := ds.GetConfig()
	fmt.Printf(
		"Config\n"+
			"  DataFileMaxBytes: %d\n"+
			"  MergeCyclePeriodMs: %d\n"+
			"  UpkeepCyclePeriodMs: %d\n\n",
		cfg.DataFileMaxBytes, cfg.MergeCyclePeriodMs, cfg.UpkeepCyclePeriodMs,
	)

	counters := ds.GetCounters()
	fmt.Printf(
		"Counters\n"+
			"  OpenCallQty: %d\n"+
			"  PutCallQty: %d (failed %d)\n"+
			"  GetCallQty: %d (not found %d, failed %d)\n"+
			"  RemoveCallQty: %d (not found %d, failed %d)\n"+
			"  QueryCallQty: %d\n"+
			"  MergeCycleQty: %d (with merge %d)\n"+
			"  MergeGainedDataFileQty: %d\n"+
			"  MergeGainedBytes: %d\n\n",
		counters.OpenCallQty,
		counters.PutCallQty, counters.PutCallFailedQty,
		counters.GetCallQty, counters.GetCallNotFoundQty, counters.GetCallFailedQty,
		counters.RemoveCallQty, counters.RemoveCallNotFoundQty, counters.RemoveCallFailedQty,
		counters.QueryCallQty,
		counters.MergeCycleQty, counters.MergeCycleWithMergeQty,
		counters.MergeGainedDataFileQty,
		counters.MergeGainedBytes,
	)

	stats := ds.GetFileStats()
	fmt.Printf(
		"Files\n"+
			"  FileQty: %d\n"+
			"  Entries: %d\n"+
			"  EntryBytes: %d\n"+
			"  DeadBytes: %d (%d entries)\n"+
			"  TombBytes: %d (%d entries)\n",
		stats.FileQty, stats.Entries, stats.EntryBytes,
		stats.DeadBytes, stats.DeadEntries,
		stats.TombBytes, stats.TombEntries,
	)

	if cmd.Bool("v") || cmd.Bool("vv") {
		cache := ds.GetValueCacheCounters()
		fmt.Printf(
			"\nValue cache\n"+
				"  HitQty: %d\n"+
				"  MissQty: %d\n"+
				"  EvictedQty: %d\n",
			cache.HitQty, cache.MissQty, cache.EvictedQty,
		)
	}

	return nil
}
