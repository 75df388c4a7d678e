// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package contentcache

import "fmt"

func (v *DiskVolume) AvailableBytes() (int64, error) {
	return 0, fmt.Errorf("%w: free space is not available on this platform", ErrNoStorageDevice)
}
