// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package contentcache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func (v *DiskVolume) AvailableBytes() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(v.root, &st); err != nil {
		return 0, fmt.Errorf("failed to stat volume %s: %w", v.root, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
