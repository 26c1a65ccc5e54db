package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vexfs/vexfs"
	vexsync "github.com/vexfs/vexfs/sync"
)

var importCmd = &cobra.Command{
	Use:   "import <image> <host-dir> [dest-path]",
	Short: "Copy a host directory tree into a VexFS volume",
	Args:  cobra.RangeArgs(2, 3),
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

		destPath := "/"
		if len(args) == 3 {
			destPath = args[2]
		}
		destIno, err := fsys.ResolvePath(destPath)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", destPath, err)
		}

		octx := fsys.NewOperationContext(vexfs.Identity{UID: 0, GID: 0}, 0)
		stats, err := vexsync.ImportTree(octx, fsys, vexsync.NewDirFS(args[1]), destIno)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		fmt.Printf("imported %d dirs, %d files, %d symlinks, %d bytes\n", stats.Dirs, stats.Files, stats.Symlink, stats.Bytes)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <image> <host-dir> [src-path]",
	Short: "Verify a VexFS subtree matches a host directory tree byte for byte",
	Args:  cobra.RangeArgs(2, 3),
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

		srcPath := "/"
		if len(args) == 3 {
			srcPath = args[2]
		}
		srcIno, err := fsys.ResolvePath(srcPath)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", srcPath, err)
		}

		octx := fsys.NewOperationContext(vexfs.Identity{UID: 0, GID: 0}, 0)
		if err := vexsync.VerifyTree(octx, fsys, vexsync.NewDirFS(args[1]), srcIno); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Println("ok: trees match")
		return nil
	},
}

func init() {
	vexfs.BindMountFlags(importCmd.Flags())
	vexfs.BindMountFlags(verifyCmd.Flags())
}
