// Package auth carries the authenticated caller through request contexts.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	deviceIDKey contextKey = "device_id"
	userIDKey   contextKey = "user_id"
)

// Identity is the authenticated caller of a diff request
type Identity struct {
	UserID   string // owner of the library
	DeviceID string // syncing device
}

// WithIdentity stores both identifiers in ctx
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, userIDKey, id.UserID)
	return context.WithValue(ctx, deviceIDKey, id.DeviceID)
}

// FromContext returns the identity set by WithIdentity. ok is false when
// the request was not authenticated.
func FromContext(ctx context.Context) (Identity, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok || userID == "" {
		return Identity{}, false
	}
	deviceID, _ := ctx.Value(deviceIDKey).(string)
	return Identity{UserID: userID, DeviceID: deviceID}, true
}
