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
	"strconv"

	"github.com/rs/zerolog"

	"go.mau.fi/signalserver/keyserver/types"
)

// KeyDistribution issues identity keys, signed prekeys and one-time prekeys
// for resolved targets, and accepts key uploads from authenticated devices.
type KeyDistribution struct {
	accounts AccountStore
	preKeys  PreKeyStore
}

func NewKeyDistribution(accounts AccountStore, preKeys PreKeyStore) *KeyDistribution {
	return &KeyDistribution{accounts: accounts, preKeys: preKeys}
}

// DeviceSelector picks either one device or all enabled devices of a target.
type DeviceSelector struct {
	All      bool
	DeviceID int
}

// ParseDeviceSelector parses the wire form of a selector: "*" or a positive
// integer device ID.
func ParseDeviceSelector(raw string) (DeviceSelector, error) {
	if raw == "*" {
		return DeviceSelector{All: true}, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < types.MasterDeviceID {
		return DeviceSelector{}, &BadRequestError{Reason: fmt.Sprintf("invalid device selector %q", raw)}
	}
	return DeviceSelector{DeviceID: id}, nil
}

// PreKeyCount reports the one-time prekey inventory of a device.
func (kd *KeyDistribution) PreKeyCount(ctx context.Context, target Target, deviceID int) (int, error) {
	if account := target.realAccount(); account != nil {
		count, err := kd.preKeys.CountPreKeys(ctx, account.UUID, deviceID)
		if err != nil {
			return 0, fmt.Errorf("failed to count prekeys: %w", err)
		}
		return count, nil
	}
	return target.(*derivedTarget).preKeyCount(deviceID), nil
}

// PreKeyBundle assembles key material for the selected enabled devices of the
// target. One-time prekeys of stored accounts are consumed by this call. A
// device that has neither a signed prekey nor any one-time prekeys is left
// out of the bundle; the returned device list may end up empty.
func (kd *KeyDistribution) PreKeyBundle(ctx context.Context, target Target, selector DeviceSelector) (*types.PreKeyBundle, error) {
	bundle := &types.PreKeyBundle{
		IdentityKey: target.IdentityKey(),
	}
	var selected []TargetDevice
	if selector.All {
		for _, dev := range target.Devices() {
			if dev.Enabled() {
				selected = append(selected, dev)
			}
		}
	} else if dev := target.Device(selector.DeviceID); dev != nil && dev.Enabled() {
		selected = append(selected, dev)
	}

	account := target.realAccount()
	for _, dev := range selected {
		var oneTimePreKey *types.OneTimePreKey
		if account != nil {
			var err error
			oneTimePreKey, err = kd.preKeys.TakePreKey(ctx, account.UUID, dev.ID())
			if err != nil {
				return nil, fmt.Errorf("failed to take one-time prekey: %w", err)
			}
		} else {
			oneTimePreKey = target.(*derivedTarget).takeOneTimePreKey(dev.ID())
		}
		signedPreKey := dev.SignedPreKey()
		if signedPreKey == nil && oneTimePreKey == nil {
			continue
		}
		bundle.Devices = append(bundle.Devices, types.PreKeyBundleDevice{
			DeviceID:       dev.ID(),
			RegistrationID: dev.RegistrationID(),
			SignedPreKey:   signedPreKey,
			PreKey:         oneTimePreKey,
		})
	}
	return bundle, nil
}

// SetKeysRequest is an upload of fresh key material from a device. All
// fields are optional; absent ones leave the current state untouched.
type SetKeysRequest struct {
	IdentityKey  []byte                `json:"identityKey"`
	SignedPreKey *types.SignedPreKey   `json:"signedPreKey"`
	PreKeys      []types.OneTimePreKey `json:"preKeys"`
}

// SetKeys stores uploaded key material for the calling device. It is only
// ever invoked against the caller's own account: a device can't upload keys
// for anyone else, so derived targets never reach this code.
func (kd *KeyDistribution) SetKeys(ctx context.Context, account *types.Account, deviceID int, req *SetKeysRequest) error {
	device := account.Device(deviceID)
	if device == nil {
		return &BadRequestError{Reason: fmt.Sprintf("account has no device %d", deviceID)}
	}
	seen := make(map[int]struct{}, len(req.PreKeys))
	for _, key := range req.PreKeys {
		if len(key.PublicKey) == 0 {
			return &BadRequestError{Reason: "one-time prekey without public key"}
		}
		if _, dup := seen[key.KeyID]; dup {
			return &BadRequestError{Reason: fmt.Sprintf("duplicate one-time prekey ID %d", key.KeyID)}
		}
		seen[key.KeyID] = struct{}{}
	}
	if req.SignedPreKey != nil && len(req.SignedPreKey.PublicKey) == 0 {
		return &BadRequestError{Reason: "signed prekey without public key"}
	}

	accountDirty := false
	if req.SignedPreKey != nil {
		device.SignedPreKey = req.SignedPreKey
		accountDirty = true
	}
	if len(req.IdentityKey) > 0 {
		account.IdentityKey = req.IdentityKey
		accountDirty = true
	}
	if accountDirty {
		if err := kd.accounts.PutAccount(ctx, account); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
	}
	if len(req.PreKeys) > 0 {
		if err := kd.preKeys.PutPreKeys(ctx, account.UUID, deviceID, req.PreKeys); err != nil {
			return fmt.Errorf("failed to save one-time prekeys: %w", err)
		}
		zerolog.Ctx(ctx).Debug().
			Int("device_id", deviceID).
			Int("prekey_count", len(req.PreKeys)).
			Msg("Stored uploaded one-time prekeys")
	}
	return nil
}
