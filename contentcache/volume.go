// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package contentcache

import (
	"errors"
	"io/fs"
	"os"
)

// Volume is the storage device holding the cache root
type Volume interface {
	// Root is the cache directory on the volume
	Root() string
	Mounted() (bool, error)
	// AvailableBytes is the free space usable by an unprivileged writer
	AvailableBytes() (int64, error)
}

// DiskVolume is a Volume backed by a local directory. The volume counts as
// mounted while the directory exists.
type DiskVolume struct {
	root string
}

// NewDiskVolume returns a volume rooted at root
func NewDiskVolume(root string) *DiskVolume {
	return &DiskVolume{root: root}
}

func (v *DiskVolume) Root() string { return v.root }

func (v *DiskVolume) Mounted() (bool, error) {
	info, err := os.Stat(v.root)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
