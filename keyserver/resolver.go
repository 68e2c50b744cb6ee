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

package keyserver

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"go.mau.fi/signalserver/keyserver/types"
	"go.mau.fi/signalserver/masker"
)

// Target is what a recipient identifier resolves to. Both registered
// accounts and identifiers that were never registered resolve to a Target,
// and nothing in this interface reveals which one a given value is.
//
// The interface is sealed by an unexported method so that no code outside
// this package can implement it or branch on the concrete variant.
type Target interface {
	UUID() uuid.UUID
	IdentityKey() []byte
	Devices() []TargetDevice
	// Device returns nil when the target has no device with the given ID.
	Device(id int) TargetDevice
	EnabledDeviceIDs() []int
	UnidentifiedAccessKey() []byte
	UnrestrictedUnidentifiedAccess() bool

	// realAccount returns the backing aggregate, or nil for derived targets.
	// Only the fan-out coordinator and key distribution may call it, to pick
	// the storage-backed path; it must never influence response shapes.
	realAccount() *types.Account
}

type TargetDevice interface {
	ID() int
	RegistrationID() int
	SignedPreKey() *types.SignedPreKey
	Enabled() bool
}

// Resolver turns recipient UUIDs into Targets. Unknown identifiers resolve
// to a stable derived Target instead of an error, so the resolution result
// can't be used as an account-enumeration oracle.
type Resolver struct {
	accounts AccountStore
	masker   *masker.Masker
}

func NewResolver(accounts AccountStore, m *masker.Masker) *Resolver {
	return &Resolver{accounts: accounts, masker: m}
}

func (r *Resolver) Resolve(ctx context.Context, id uuid.UUID) (Target, error) {
	account, err := r.accounts.AccountByUUID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if account == nil || !account.Enabled() {
		return newDerivedTarget(r.masker, id), nil
	}
	return &realTarget{account: account}, nil
}

type realTarget struct {
	account *types.Account
}

var _ Target = (*realTarget)(nil)

func (rt *realTarget) UUID() uuid.UUID {
	return rt.account.UUID
}

func (rt *realTarget) IdentityKey() []byte {
	return rt.account.IdentityKey
}

func (rt *realTarget) Devices() []TargetDevice {
	devices := make([]TargetDevice, len(rt.account.Devices))
	for i, dev := range rt.account.Devices {
		devices[i] = realDevice{dev}
	}
	return devices
}

func (rt *realTarget) Device(id int) TargetDevice {
	dev := rt.account.Device(id)
	if dev == nil {
		return nil
	}
	return realDevice{dev}
}

func (rt *realTarget) EnabledDeviceIDs() []int {
	return rt.account.EnabledDeviceIDs()
}

func (rt *realTarget) UnidentifiedAccessKey() []byte {
	return rt.account.UnidentifiedAccessKey
}

func (rt *realTarget) UnrestrictedUnidentifiedAccess() bool {
	return rt.account.UnrestrictedUnidentifiedAccess
}

func (rt *realTarget) realAccount() *types.Account {
	return rt.account
}

type realDevice struct {
	dev *types.Device
}

var _ TargetDevice = realDevice{}

func (rd realDevice) ID() int {
	return rd.dev.ID
}

func (rd realDevice) RegistrationID() int {
	return rd.dev.RegistrationID
}

func (rd realDevice) SignedPreKey() *types.SignedPreKey {
	return rd.dev.SignedPreKey
}

func (rd realDevice) Enabled() bool {
	return rd.dev.Enabled()
}
