package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/litecask-go/litecask/internal/datafile"
)

func runFile(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return errors.New("usage: file data_file_path file_id")
	}
	path := cmd.Args().Get(0)
	id64, err := strconv.ParseUint(cmd.Args().Get(1), 10, 16)
	if err != nil {
		return fmt.Errorf("invalid file_id %q: %w", cmd.Args().Get(1), err)
	}

	f, err := datafile.OpenReadOnly(path, uint16(id64))
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	verbose := cmd.Bool("v") || cmd.Bool("vv")

	fmt.Printf("File #%d (%s)\n", f.Id, path)
	var entryQty, tombQty int
	for loaded, err := range f.Entries() {
		if err != nil {
			return fmt.Errorf("failed to read entry: %w", err)
		}
		entryQty++
		if loaded.Entry.Tombstone {
			tombQty++
		}
		if verbose {
			if loaded.Entry.Tombstone {
				fmt.Printf("  @%d: %q -> <tombstone>\n", loaded.Offset, loaded.Entry.Key)
			} else {
				fmt.Printf("  @%d: %q -> %q (%d bytes)\n", loaded.Offset, loaded.Entry.Key, loaded.Entry.Value, len(loaded.Entry.Value))
			}
		}
	}

	fmt.Printf("  Entries: %d (%d tombstones)\n", entryQty, tombQty)
	return nil
}
