package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/litecask-go/litecask"
)

func runMerge(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: merge store_path")
	}
	path := cmd.Args().First()

	ds, err := litecask.Open(path, false)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer ds.Close()

	before := ds.GetCounters().MergeCycleWithMergeQty
	ds.RequestMerge()

	for ds.IsMergeOnGoing() {
		time.Sleep(50 * time.Millisecond)
	}
	// the loop above only waits out a merge that was already running; give
	// the merge goroutine a moment to pick up the request before polling
	// IsMergeOnGoing again, which would otherwise race a merge that hasn't
	// started yet.
	time.Sleep(50 * time.Millisecond)
	for ds.IsMergeOnGoing() {
		time.Sleep(50 * time.Millisecond)
	}

	after := ds.GetCounters().MergeCycleWithMergeQty
	if after > before {
		if !cmd.Bool("s") {
			fmt.Println("merge cycle compacted data files")
		}
	} else if !cmd.Bool("s") {
		fmt.Println("merge cycle was a no-op: nothing qualified")
	}

	stats := ds.GetFileStats()
	fmt.Printf("Files remaining: %d, DeadBytes: %d\n", stats.FileQty, stats.DeadBytes)
	return nil
}
