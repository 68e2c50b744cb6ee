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
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"go.mau.fi/signalserver/keyserver/types"
	"go.mau.fi/signalserver/masker"
)

// djbKeyType prefixes serialized Curve25519 public keys on the wire.
const djbKeyType = 0x05

const (
	serializedPublicKeyLength     = 33
	signatureLength               = 64
	unidentifiedAccessKeyLength   = 16
	maxSyntheticDeviceCount       = 3
	maxRegistrationID             = 0x3FFF
	maxPreKeyID                   = 0xFFFFFF
	maxSyntheticOneTimePreKeyPool = 100
)

// derivedTarget is the Target for identifiers that don't correspond to an
// enabled account. Everything a caller could cache and compare across calls
// (identity key, device roster, registration IDs, signed prekeys, counts) is
// a stable function of (secret, uuid); only one-time prekeys are drawn from
// the advancing stream so repeated fetches look like consumption.
type derivedTarget struct {
	id      uuid.UUID
	masker  *masker.Masker
	devices []derivedDevice
}

var _ Target = (*derivedTarget)(nil)

func newDerivedTarget(m *masker.Masker, id uuid.UUID) *derivedTarget {
	dt := &derivedTarget{id: id, masker: m}
	count := 1 + int(m.Derive(dt.label("device-count"), 1)[0])%maxSyntheticDeviceCount
	dt.devices = make([]derivedDevice, count)
	for i := range dt.devices {
		dt.devices[i] = derivedDevice{target: dt, id: i + types.MasterDeviceID}
	}
	return dt
}

func (dt *derivedTarget) label(field string) string {
	return "account/" + dt.id.String() + "/" + field
}

func (dt *derivedTarget) deviceLabel(deviceID int, field string) string {
	return fmt.Sprintf("account/%s/%d/%s", dt.id, deviceID, field)
}

func (dt *derivedTarget) UUID() uuid.UUID {
	return dt.id
}

func (dt *derivedTarget) IdentityKey() []byte {
	key := dt.masker.Derive(dt.label("identity-key"), serializedPublicKeyLength)
	key[0] = djbKeyType
	return key
}

func (dt *derivedTarget) Devices() []TargetDevice {
	devices := make([]TargetDevice, len(dt.devices))
	for i := range dt.devices {
		devices[i] = dt.devices[i]
	}
	return devices
}

func (dt *derivedTarget) Device(id int) TargetDevice {
	for _, dev := range dt.devices {
		if dev.id == id {
			return dev
		}
	}
	return nil
}

func (dt *derivedTarget) EnabledDeviceIDs() []int {
	ids := make([]int, len(dt.devices))
	for i, dev := range dt.devices {
		ids[i] = dev.id
	}
	return ids
}

func (dt *derivedTarget) UnidentifiedAccessKey() []byte {
	return dt.masker.Derive(dt.label("unidentified-access-key"), unidentifiedAccessKeyLength)
}

func (dt *derivedTarget) UnrestrictedUnidentifiedAccess() bool {
	return false
}

func (dt *derivedTarget) realAccount() *types.Account {
	return nil
}

// preKeyCount returns a stable plausible inventory count.
func (dt *derivedTarget) preKeyCount(deviceID int) int {
	raw := dt.masker.Derive(dt.deviceLabel(deviceID, "prekey-count"), 1)
	return 1 + int(raw[0])%maxSyntheticOneTimePreKeyPool
}

// takeOneTimePreKey draws a fresh key from the stream derivation, so two
// fetches never observe the same key, mimicking consume-on-read.
func (dt *derivedTarget) takeOneTimePreKey(deviceID int) *types.OneTimePreKey {
	raw := dt.masker.NextStreamOutput(dt.deviceLabel(deviceID, "one-time-prekey"), 4+serializedPublicKeyLength)
	key := raw[4:]
	key[0] = djbKeyType
	return &types.OneTimePreKey{
		KeyID:     int(binary.BigEndian.Uint32(raw[:4])%maxPreKeyID) + 1,
		PublicKey: key,
	}
}

type derivedDevice struct {
	target *derivedTarget
	id     int
}

var _ TargetDevice = derivedDevice{}

func (dd derivedDevice) ID() int {
	return dd.id
}

func (dd derivedDevice) RegistrationID() int {
	raw := dd.target.masker.Derive(dd.target.deviceLabel(dd.id, "registration-id"), 2)
	return int(binary.BigEndian.Uint16(raw)%maxRegistrationID) + 1
}

func (dd derivedDevice) SignedPreKey() *types.SignedPreKey {
	keyID := dd.target.masker.Derive(dd.target.deviceLabel(dd.id, "signed-prekey-id"), 4)
	publicKey := dd.target.masker.Derive(dd.target.deviceLabel(dd.id, "signed-prekey"), serializedPublicKeyLength)
	publicKey[0] = djbKeyType
	return &types.SignedPreKey{
		KeyID:     int(binary.BigEndian.Uint32(keyID)%maxPreKeyID) + 1,
		PublicKey: publicKey,
		Signature: dd.target.masker.Derive(dd.target.deviceLabel(dd.id, "signed-prekey-signature"), signatureLength),
	}
}

func (dd derivedDevice) Enabled() bool {
	return true
}
