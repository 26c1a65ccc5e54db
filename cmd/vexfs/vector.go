package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/vexfs/vexfs"
)

var vectorCmd = &cobra.Command{
	Use:   "vector",
	Short: "Manage and query VexFS's vector subsystem",
}

var vectorAddCmd = &cobra.Command{
	Use:   "add <image> <file-path> <vectors.f32>",
	Short: "Add one little-endian float32 embedding, read from a raw vector file, to an existing file's inode",
	Args:  cobra.ExactArgs(3),
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

		fileIno, err := fsys.ResolvePath(args[1])
		if err != nil {
			return fmt.Errorf("resolve %q: %w", args[1], err)
		}
		vec, err := readF32File(args[2])
		if err != nil {
			return err
		}
		data := encodeF32(vec)

		octx := fsys.NewOperationContext(vexfs.Identity{UID: 0, GID: 0}, 0)
		id, err := fsys.AddEmbedding(octx, fileIno, data, vexfs.ElemF32, uint32(len(vec)), vexfs.CompressNone)
		if err != nil {
			return fmt.Errorf("add_embedding: %w", err)
		}
		fmt.Printf("added vector %d (%d dims)\n", id, len(vec))
		return nil
	},
}

var vectorSearchCmd = &cobra.Command{
	Use:   "search <image> <query.f32> <k>",
	Short: "Run an ANN search against the volume's HNSW index",
	Args:  cobra.ExactArgs(3),
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

		query, err := readF32File(args[1])
		if err != nil {
			return err
		}
		var k int
		if _, err := fmt.Sscanf(args[2], "%d", &k); err != nil {
			return fmt.Errorf("invalid k %q: %w", args[2], err)
		}

		octx := fsys.NewOperationContext(vexfs.Identity{UID: 0, GID: 0}, 0)
		results, err := fsys.VectorSearch(octx, query, k, 0)
		if err != nil {
			return fmt.Errorf("vector_search: %w", err)
		}
		for _, r := range results {
			fmt.Printf("%10d  %f\n", r.VectorID, r.Distance)
		}
		return nil
	},
}

var vectorStatsCmd = &cobra.Command{
	Use:   "stats <image>",
	Short: "Report index statistics",
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

		octx := fsys.NewOperationContext(vexfs.Identity{UID: 0, GID: 0}, 0)
		stats, err := fsys.ManageIndex(octx, vexfs.IndexActionStats, 0, 0)
		if err != nil {
			return fmt.Errorf("manage_index: %w", err)
		}
		fmt.Printf("total=%d size_bytes=%d avg_search_ms=%.3f last_optimized=%s\n",
			stats.Total, stats.SizeBytes, stats.AvgSearchMs, stats.LastOptimized)
		return nil
	},
}

func readF32File(path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%s: length %d is not a multiple of 4 bytes", path, len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

func encodeF32(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func init() {
	vexfs.BindMountFlags(vectorAddCmd.Flags())
	vexfs.BindMountFlags(vectorSearchCmd.Flags())
	vexfs.BindMountFlags(vectorStatsCmd.Flags())
	vectorCmd.AddCommand(vectorAddCmd, vectorSearchCmd, vectorStatsCmd)
}
