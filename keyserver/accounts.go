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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"go.mau.fi/util/random"
	"golang.org/x/crypto/bcrypt"

	"go.mau.fi/signalserver/keyserver/types"
)

const provisioningCodeTTL = 10 * time.Minute

// AccountManager handles the lifecycle plumbing around the core: account
// registration, device linking, push descriptor updates and device removal.
type AccountManager struct {
	accounts AccountStore
	preKeys  PreKeyStore

	provisioningCodes *exsync.Map[string, provisioningCode]
}

type provisioningCode struct {
	account uuid.UUID
	expires time.Time
}

func NewAccountManager(accounts AccountStore, preKeys PreKeyStore) *AccountManager {
	return &AccountManager{
		accounts:          accounts,
		preKeys:           preKeys,
		provisioningCodes: exsync.NewMap[string, provisioningCode](),
	}
}

// RegistrationRequest carries everything needed to create an account with
// its master device.
type RegistrationRequest struct {
	Number                string
	AuthSecret            string
	RegistrationID        int
	IdentityKey           []byte
	UnidentifiedAccessKey []byte
	UnrestrictedAccess    bool
	Discoverable          bool
	FetchesMessages       bool
	Capabilities          types.DeviceCapabilities
}

// Register creates a new account. Re-registering a number abandons the old
// account entirely: the new one gets a fresh UUID and the old UUID stops
// resolving to a stored account.
func (am *AccountManager) Register(ctx context.Context, req *RegistrationRequest) (*types.Account, error) {
	if req.Number == "" {
		return nil, &BadRequestError{Reason: "missing number"}
	}
	if req.RegistrationID <= 0 {
		return nil, &BadRequestError{Reason: "missing registration ID"}
	}
	if req.AuthSecret == "" {
		return nil, &BadRequestError{Reason: "missing auth secret"}
	}
	authHash, err := bcrypt.GenerateFromPassword([]byte(req.AuthSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash auth secret: %w", err)
	}

	existing, err := am.accounts.AccountByNumber(ctx, req.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to look up number: %w", err)
	}
	if existing != nil {
		if err = am.accounts.DeleteAccount(ctx, existing.UUID); err != nil {
			return nil, fmt.Errorf("failed to delete previous account: %w", err)
		}
		zerolog.Ctx(ctx).Info().
			Stringer("previous_account", existing.UUID).
			Msg("Deleted previous account during re-registration")
	}

	now := time.Now()
	account := &types.Account{
		UUID:                           uuid.New(),
		Number:                         req.Number,
		IdentityKey:                    req.IdentityKey,
		UnidentifiedAccessKey:          req.UnidentifiedAccessKey,
		UnrestrictedUnidentifiedAccess: req.UnrestrictedAccess,
		Discoverable:                   req.Discoverable,
		NextDeviceID:                   types.MasterDeviceID + 1,
		Devices: []*types.Device{{
			ID:              types.MasterDeviceID,
			RegistrationID:  req.RegistrationID,
			AuthTokenHash:   string(authHash),
			FetchesMessages: req.FetchesMessages,
			Capabilities:    req.Capabilities,
			Created:         now,
			LastSeen:        now,
		}},
	}
	if err = am.accounts.PutAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to store account: %w", err)
	}
	return account, nil
}

// CreateProvisioningCode issues a short-lived code that a new device must
// present to link itself to the account.
func (am *AccountManager) CreateProvisioningCode(account *types.Account) string {
	code := random.String(24)
	am.provisioningCodes.Set(code, provisioningCode{
		account: account.UUID,
		expires: time.Now().Add(provisioningCodeTTL),
	})
	return code
}

// DeviceLinkRequest carries the new device's initial state.
type DeviceLinkRequest struct {
	AuthSecret      string
	RegistrationID  int
	SignedPreKey    *types.SignedPreKey
	FetchesMessages bool
	Capabilities    types.DeviceCapabilities
}

// AddDevice links a new device to the account that issued the provisioning
// code. Device IDs count up monotonically and are never reused, so a removed
// device's ID can't be taken over.
func (am *AccountManager) AddDevice(ctx context.Context, code string, req *DeviceLinkRequest) (*types.Account, *types.Device, error) {
	pending, ok := am.provisioningCodes.Pop(code)
	if !ok || time.Now().After(pending.expires) {
		return nil, nil, ErrUnauthorized
	}
	if req.RegistrationID <= 0 {
		return nil, nil, &BadRequestError{Reason: "missing registration ID"}
	}
	if req.AuthSecret == "" {
		return nil, nil, &BadRequestError{Reason: "missing auth secret"}
	}
	authHash, err := bcrypt.GenerateFromPassword([]byte(req.AuthSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash auth secret: %w", err)
	}

	var device *types.Device
	account, err := am.update(ctx, pending.account, func(account *types.Account) error {
		now := time.Now()
		device = &types.Device{
			ID:              account.NextDeviceID,
			RegistrationID:  req.RegistrationID,
			SignedPreKey:    req.SignedPreKey,
			AuthTokenHash:   string(authHash),
			FetchesMessages: req.FetchesMessages,
			Capabilities:    req.Capabilities,
			Created:         now,
			LastSeen:        now,
		}
		account.NextDeviceID++
		account.Devices = append(account.Devices, device)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return account, device, nil
}

// SetPushToken registers a push wakeup token for the device and clears the
// fetches-messages flag; the two delivery descriptors are mutually exclusive.
func (am *AccountManager) SetPushToken(ctx context.Context, account *types.Account, deviceID int, token string) error {
	_, err := am.updateDevice(ctx, account, deviceID, func(device *types.Device) {
		device.PushToken = token
		device.FetchesMessages = false
	})
	return err
}

func (am *AccountManager) ClearPushToken(ctx context.Context, account *types.Account, deviceID int) error {
	_, err := am.updateDevice(ctx, account, deviceID, func(device *types.Device) {
		device.PushToken = ""
	})
	return err
}

func (am *AccountManager) SetFetchesMessages(ctx context.Context, account *types.Account, deviceID int, fetches bool) error {
	_, err := am.updateDevice(ctx, account, deviceID, func(device *types.Device) {
		device.FetchesMessages = fetches
		if fetches {
			device.PushToken = ""
		}
	})
	return err
}

// RemoveDevice deletes a linked device and its one-time prekeys. The master
// device can't be removed; deleting the whole account covers that.
func (am *AccountManager) RemoveDevice(ctx context.Context, account *types.Account, deviceID int) error {
	if deviceID == types.MasterDeviceID {
		return &BadRequestError{Reason: "can't remove the master device"}
	}
	_, err := am.update(ctx, account.UUID, func(account *types.Account) error {
		for i, dev := range account.Devices {
			if dev.ID == deviceID {
				account.Devices = append(account.Devices[:i], account.Devices[i+1:]...)
				return nil
			}
		}
		return &BadRequestError{Reason: fmt.Sprintf("account has no device %d", deviceID)}
	})
	if err != nil {
		return err
	}
	if err = am.preKeys.DeletePreKeys(ctx, account.UUID, deviceID); err != nil {
		return fmt.Errorf("failed to delete one-time prekeys: %w", err)
	}
	return nil
}

func (am *AccountManager) updateDevice(ctx context.Context, account *types.Account, deviceID int, mutate func(*types.Device)) (*types.Account, error) {
	return am.update(ctx, account.UUID, func(account *types.Account) error {
		device := account.Device(deviceID)
		if device == nil {
			return &BadRequestError{Reason: fmt.Sprintf("account has no device %d", deviceID)}
		}
		mutate(device)
		return nil
	})
}

// update applies a mutation to a freshly loaded aggregate and saves it,
// retrying once if another request won the version race in between.
func (am *AccountManager) update(ctx context.Context, id uuid.UUID, mutate func(*types.Account) error) (*types.Account, error) {
	for attempt := 0; ; attempt++ {
		account, err := am.accounts.AccountByUUID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get account: %w", err)
		}
		if account == nil {
			return nil, &BadRequestError{Reason: "no such account"}
		}
		if err = mutate(account); err != nil {
			return nil, err
		}
		err = am.accounts.PutAccount(ctx, account)
		if errors.Is(err, ErrVersionMismatch) && attempt == 0 {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to save account: %w", err)
		}
		return account, nil
	}
}
