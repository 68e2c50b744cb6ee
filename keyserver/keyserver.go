// signalserver - A Signal-compatible secure messaging server.
// Copyright (C) 2024 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package keyserver implements the key-distribution and multi-device message
// fan-out core of the server: resolving recipient identifiers without
// revealing whether an account exists, serving and consuming prekey material,
// and validating and fanning out send batches across a recipient's devices.
package keyserver

import (
	"context"

	"github.com/google/uuid"

	"go.mau.fi/signalserver/keyserver/types"
)

// AccountStore persists account aggregates. Implementations must treat the
// whole aggregate (account plus devices) as one unit and reject writes whose
// Version doesn't match the stored one with ErrVersionMismatch.
type AccountStore interface {
	// AccountByUUID returns (nil, nil) when no such account exists.
	AccountByUUID(ctx context.Context, id uuid.UUID) (*types.Account, error)
	// AccountByNumber returns (nil, nil) when no account owns the number.
	AccountByNumber(ctx context.Context, number string) (*types.Account, error)
	PutAccount(ctx context.Context, account *types.Account) error
	DeleteAccount(ctx context.Context, id uuid.UUID) error
}

// PreKeyStore persists one-time prekeys. TakePreKey must be atomic: no two
// concurrent calls may ever return the same key.
type PreKeyStore interface {
	PutPreKeys(ctx context.Context, account uuid.UUID, deviceID int, keys []types.OneTimePreKey) error
	CountPreKeys(ctx context.Context, account uuid.UUID, deviceID int) (int, error)
	// TakePreKey consumes and returns the next available key, or (nil, nil)
	// when the device's supply is exhausted.
	TakePreKey(ctx context.Context, account uuid.UUID, deviceID int) (*types.OneTimePreKey, error)
	DeletePreKeys(ctx context.Context, account uuid.UUID, deviceID int) error
}

// DeliveryTransport takes ownership of envelopes for individual devices.
// delivered=false with a nil error means the device is not currently
// reachable, which the fan-out coordinator treats as non-fatal.
type DeliveryTransport interface {
	Deliver(ctx context.Context, account uuid.UUID, device *types.Device, envelope *types.Envelope) (delivered bool, err error)
}

// RateLimiter admits or rejects actions under a string key. Rejections carry
// a retry-after hint as a *ThrottledError.
type RateLimiter interface {
	Validate(key string) error
}
