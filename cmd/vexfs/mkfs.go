package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vexfs/vexfs"
)

var (
	mkfsBlockSize uint32
	mkfsBlocks    uint64
	mkfsLabel     string
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <path>",
	Short: "Format a new VexFS volume at path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, err := vexfs.Format(args[0], mkfsBlockSize, mkfsBlocks, mkfsLabel)
		if err != nil {
			return fmt.Errorf("format: %w", err)
		}
		defer func() { _ = fsys.Close() }()
		fmt.Printf("formatted %s: %d blocks x %d bytes, label %q\n", args[0], mkfsBlocks, mkfsBlockSize, mkfsLabel)
		return nil
	},
}

func init() {
	mkfsCmd.Flags().Uint32Var(&mkfsBlockSize, "block-size", 4096, "block size in bytes (power of two)")
	mkfsCmd.Flags().Uint64Var(&mkfsBlocks, "blocks", 1<<18, "total number of blocks")
	mkfsCmd.Flags().StringVar(&mkfsLabel, "label", "vexfs", "volume label")
}
