package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vexfs/vexfs"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <path>",
	Short: "Mount a volume read/write and validate its superblock and group metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadMountOptions(cmd.Flags())
		if err != nil {
			return err
		}
		fsys, err := vexfs.Mount(args[0], opts)
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}
		defer func() { _ = fsys.Close() }()

		if err := fsys.Check(); err != nil {
			return fmt.Errorf("fsck failed: %w", err)
		}
		st := fsys.Stat()
		fmt.Printf("ok: %d/%d blocks free, %d/%d inodes free, %d vectors (dims=%d)\n",
			st.FreeBlocks, st.TotalBlocks, st.FreeInodes, st.TotalInodes, st.VectorTotal, st.VectorDims)
		fmt.Printf("space: %d reserved, %d free extents, largest %d blocks, %d%% fragmented\n",
			st.Space.ReservedBlocks, st.Space.FreeExtents, st.Space.LargestFreeExtent, st.Space.Fragmentation)
		fmt.Printf("journal: %d/%d bytes free, %d active txns, %d committed, tid=%d\n",
			st.Journal.FreeSpace, st.Journal.TotalSpace, st.Journal.ActiveTransactions, st.Journal.CommittedTxns, st.Journal.CurrentTid)
		return nil
	},
}

// loadMountOptions wires cmd/vexfs's per-command flags through viper into
// vexfs.MountOptions, the way config.go's BindMountFlags/LoadMountOptions
// is meant to be driven from a cobra command.
func loadMountOptions(flags *pflag.FlagSet) (vexfs.MountOptions, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return vexfs.MountOptions{}, err
	}
	return vexfs.LoadMountOptions(v)
}

func init() {
	vexfs.BindMountFlags(fsckCmd.Flags())
}
