package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vexfs/vexfs"
)

var lsCmd = &cobra.Command{
	Use:   "ls <image> [path]",
	Short: "List a directory's entries",
	Args:  cobra.RangeArgs(1, 2),
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

		path := "/"
		if len(args) == 2 {
			path = args[1]
		}
		ino, err := fsys.ResolvePath(path)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", path, err)
		}
		entries, err := fsys.ReadDir(ino)
		if err != nil {
			return fmt.Errorf("readdir: %w", err)
		}
		for _, e := range entries {
			attr, err := fsys.GetAttr(e.Inode)
			if err != nil {
				return err
			}
			fmt.Printf("%8d  %10d  %s\n", e.Inode, attr.Size, e.Name)
		}
		return nil
	},
}

func init() {
	vexfs.BindMountFlags(lsCmd.Flags())
}
