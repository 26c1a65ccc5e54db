package vexfs

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ChecksumMode governs mount-time response to a checksum mismatch.
type ChecksumMode string

const (
	ChecksumStrict     ChecksumMode = "strict"
	ChecksumPermissive ChecksumMode = "permissive"
)

// MountOptions are the mount-time knobs a caller may set. Values are
// parsed the way the rest of the ambient stack's CLI does: pflag flags
// bound into a viper instance, decoded into this struct via mapstructure.
type MountOptions struct {
	BlockSize          uint32       `mapstructure:"block_size"`
	JournalSizeBlocks  uint32       `mapstructure:"journal_size_blocks"`
	VectorMemoryBudget int          `mapstructure:"vector_memory_budget_mb"`
	ChecksumMode       ChecksumMode `mapstructure:"checksum_mode"`
	ErrorPolicy        string       `mapstructure:"error_policy"`
	IndexProfile       string       `mapstructure:"index_profile"`
}

// DefaultMountOptions mirrors the superblock defaults format() would have
// chosen; Mount overrides only the fields the caller explicitly set.
func DefaultMountOptions() MountOptions {
	return MountOptions{
		VectorMemoryBudget: 256,
		ChecksumMode:       ChecksumStrict,
		ErrorPolicy:        "continue",
		IndexProfile:       "default",
	}
}

// BindMountFlags registers the mount option flags on a pflag.FlagSet, the
// way cmd/vexfs's cobra commands wire flags into viper.
func BindMountFlags(fs *pflag.FlagSet) {
	fs.Uint32("block-size", 0, "override block size (must match the superblock if already formatted)")
	fs.Uint32("journal-size-blocks", 0, "override journal size in blocks (validated against the superblock)")
	fs.Int("vector-memory-budget-mb", 256, "HNSW partial-loader memory budget in MiB")
	fs.String("checksum-mode", string(ChecksumStrict), "strict|permissive")
	fs.String("error-policy", "continue", "continue|remount_ro|panic")
	fs.String("index-profile", "default", "HNSW tuning preset: default|batch|realtime|memory")
}

// LoadMountOptions decodes a viper instance (already bound to the flags
// registered by BindMountFlags, plus any config file/env overrides) into
// a MountOptions value.
func LoadMountOptions(v *viper.Viper) (MountOptions, error) {
	opts := DefaultMountOptions()
	raw := map[string]interface{}{
		"block_size":             v.GetUint32("block-size"),
		"journal_size_blocks":    v.GetUint32("journal-size-blocks"),
		"vector_memory_budget_mb": v.GetInt("vector-memory-budget-mb"),
		"checksum_mode":          v.GetString("checksum-mode"),
		"error_policy":           v.GetString("error-policy"),
		"index_profile":          v.GetString("index-profile"),
	}
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return MountOptions{}, fmt.Errorf("%w: decode mount options: %v", ErrArgument, err)
	}
	if opts.ChecksumMode != ChecksumStrict && opts.ChecksumMode != ChecksumPermissive {
		return MountOptions{}, fmt.Errorf("%w: checksum_mode %q invalid", ErrArgument, opts.ChecksumMode)
	}
	switch opts.ErrorPolicy {
	case "continue", "remount_ro", "panic":
	default:
		return MountOptions{}, fmt.Errorf("%w: error_policy %q invalid", ErrArgument, opts.ErrorPolicy)
	}
	switch opts.IndexProfile {
	case "default", "batch", "realtime", "memory":
	default:
		return MountOptions{}, fmt.Errorf("%w: index_profile %q invalid", ErrArgument, opts.IndexProfile)
	}
	return opts, nil
}

// indexProfile resolves the configured preset name to an IndexProfile.
func (o MountOptions) indexProfile() IndexProfile {
	switch o.IndexProfile {
	case "batch":
		return ProfileBatch
	case "realtime":
		return ProfileRealtime
	case "memory":
		return ProfileMemory
	default:
		return ProfileDefault
	}
}

func (o MountOptions) errorPolicy() ErrorPolicy {
	switch o.ErrorPolicy {
	case "remount_ro":
		return ErrorPolicyRemountRO
	case "panic":
		return ErrorPolicyPanic
	default:
		return ErrorPolicyContinue
	}
}
