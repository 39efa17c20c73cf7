package image

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
)

// FsUsage is the filesystem usage of one storage mount.
type FsUsage struct {
	Timestamp  time.Time
	Mountpoint string
	Fstype     string

	// Consumed by the image store.
	UsedBytes  uint64
	InodesUsed uint64

	// Of the filesystem holding the store.
	TotalBytes     uint64
	AvailableBytes uint64
}

// Usage walks the store and combines its size with the statistics of the
// filesystem it lives on.
func (s *Store) Usage(ctx context.Context) (FsUsage, error) {
	usage := FsUsage{
		Timestamp:  time.Now(),
		Mountpoint: s.root,
	}

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Images can be removed while we walk.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		usage.InodesUsed++
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		usage.UsedBytes += uint64(info.Size())
		return nil
	})
	if err != nil {
		return FsUsage{}, storageError("failed to calculate image store size", err)
	}

	stat, err := disk.UsageWithContext(ctx, s.root)
	if err != nil {
		return FsUsage{}, storageError(fmt.Sprintf("failed to stat filesystem of %s", s.root), err)
	}
	usage.Fstype = stat.Fstype
	usage.TotalBytes = stat.Total
	usage.AvailableBytes = stat.Free
	return usage, nil
}
