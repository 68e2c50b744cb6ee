package types

import (
	"time"

	"github.com/google/uuid"
)

// MasterDeviceID is the device ID assigned to the first device of every
// account. Device IDs are assigned monotonically and never reused.
const MasterDeviceID = 1

// Account is the aggregate root for a registered identity and its devices.
// All mutations go through the account store, which bumps Version on every
// write and rejects writes based on a stale Version.
type Account struct {
	UUID   uuid.UUID
	Number string

	IdentityKey []byte

	UnidentifiedAccessKey          []byte
	UnrestrictedUnidentifiedAccess bool
	Discoverable                   bool

	NextDeviceID int
	Devices      []*Device

	Version int
}

func (a *Account) Device(id int) *Device {
	for _, dev := range a.Devices {
		if dev.ID == id {
			return dev
		}
	}
	return nil
}

func (a *Account) MasterDevice() *Device {
	return a.Device(MasterDeviceID)
}

// Enabled reports whether the account as a whole is usable, which requires an
// enabled master device.
func (a *Account) Enabled() bool {
	return a.MasterDevice().Enabled()
}

func (a *Account) EnabledDeviceIDs() []int {
	ids := make([]int, 0, len(a.Devices))
	for _, dev := range a.Devices {
		if dev.Enabled() {
			ids = append(ids, dev.ID)
		}
	}
	return ids
}

type Device struct {
	ID             int
	RegistrationID int
	SignedPreKey   *SignedPreKey
	Capabilities   DeviceCapabilities

	// AuthTokenHash is the bcrypt hash of the device's auth secret. Clearing
	// it disables the device without removing it from the account.
	AuthTokenHash string

	// FetchesMessages and PushToken are mutually exclusive delivery
	// descriptors: a device either polls for messages or gets push wakeups.
	FetchesMessages bool
	PushToken       string

	Created  time.Time
	LastSeen time.Time
}

func (d *Device) Enabled() bool {
	return d != nil && d.AuthTokenHash != ""
}

type DeviceCapabilities struct {
	SenderKey         bool `json:"senderKey"`
	AnnouncementGroup bool `json:"announcementGroup"`
	Storage           bool `json:"storage"`
}

// SignedPreKey is a device's single current medium-lived prekey, replaced
// wholesale on rotation.
type SignedPreKey struct {
	KeyID     int    `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// OneTimePreKey is a single-use prekey, handed out to at most one caller ever.
type OneTimePreKey struct {
	KeyID     int    `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}
