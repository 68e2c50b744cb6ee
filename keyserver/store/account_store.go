package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/signalserver/keyserver"
	"go.mau.fi/signalserver/keyserver/types"
)

const (
	getAccountByUUIDQuery = `
		SELECT uuid, number, identity_key, unidentified_access_key, unrestricted_access, discoverable, next_device_id, version
		FROM signalserver_account WHERE uuid=$1
	`
	getAccountByNumberQuery = `
		SELECT uuid, number, identity_key, unidentified_access_key, unrestricted_access, discoverable, next_device_id, version
		FROM signalserver_account WHERE number=$1
	`
	getDevicesQuery = `
		SELECT device_id, registration_id, signed_prekey_id, signed_prekey, signed_prekey_signature,
		       auth_token_hash, fetches_messages, push_token, capabilities, created_at, last_seen_at
		FROM signalserver_device WHERE account_uuid=$1 ORDER BY device_id
	`
	insertAccountQuery = `
		INSERT INTO signalserver_account (uuid, number, identity_key, unidentified_access_key, unrestricted_access, discoverable, next_device_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	updateAccountQuery = `
		UPDATE signalserver_account
		SET number=$2, identity_key=$3, unidentified_access_key=$4, unrestricted_access=$5, discoverable=$6, next_device_id=$7, version=$8
		WHERE uuid=$1 AND version=$9
	`
	deleteDevicesQuery = `DELETE FROM signalserver_device WHERE account_uuid=$1`
	insertDeviceQuery  = `
		INSERT INTO signalserver_device (
			account_uuid, device_id, registration_id, signed_prekey_id, signed_prekey, signed_prekey_signature,
			auth_token_hash, fetches_messages, push_token, capabilities, created_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	deleteAccountQuery = `DELETE FROM signalserver_account WHERE uuid=$1`
)

func (c *Container) scanAccount(ctx context.Context, row dbutil.Scannable) (*types.Account, error) {
	var account types.Account
	err := row.Scan(
		&account.UUID, &account.Number, &account.IdentityKey, &account.UnidentifiedAccessKey,
		&account.UnrestrictedUnidentifiedAccess, &account.Discoverable, &account.NextDeviceID, &account.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	rows, err := c.db.Query(ctx, getDevicesQuery, account.UUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	account.Devices, err = dbutil.NewRowIter(rows, scanDevice).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	return &account, nil
}

func scanDevice(row dbutil.Scannable) (*types.Device, error) {
	var device types.Device
	var signedPreKeyID sql.NullInt64
	var signedPreKey, signedPreKeySignature []byte
	var createdAt, lastSeenAt int64
	err := row.Scan(
		&device.ID, &device.RegistrationID, &signedPreKeyID, &signedPreKey, &signedPreKeySignature,
		&device.AuthTokenHash, &device.FetchesMessages, &device.PushToken,
		&dbutil.JSON{Data: &device.Capabilities}, &createdAt, &lastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	if signedPreKeyID.Valid {
		device.SignedPreKey = &types.SignedPreKey{
			KeyID:     int(signedPreKeyID.Int64),
			PublicKey: signedPreKey,
			Signature: signedPreKeySignature,
		}
	}
	device.Created = time.UnixMilli(createdAt)
	device.LastSeen = time.UnixMilli(lastSeenAt)
	return &device, nil
}

func (c *Container) AccountByUUID(ctx context.Context, id uuid.UUID) (*types.Account, error) {
	return c.scanAccount(ctx, c.db.QueryRow(ctx, getAccountByUUIDQuery, id))
}

func (c *Container) AccountByNumber(ctx context.Context, number string) (*types.Account, error) {
	return c.scanAccount(ctx, c.db.QueryRow(ctx, getAccountByNumberQuery, number))
}

// PutAccount writes the whole aggregate. The stored version must match the
// aggregate's version for updates; a mismatch means another request wrote in
// between and surfaces as keyserver.ErrVersionMismatch without touching
// anything. New aggregates have version 0.
func (c *Container) PutAccount(ctx context.Context, account *types.Account) error {
	return c.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		newVersion := account.Version + 1
		if account.Version == 0 {
			_, err := c.db.Exec(ctx, insertAccountQuery,
				account.UUID, account.Number, account.IdentityKey, account.UnidentifiedAccessKey,
				account.UnrestrictedUnidentifiedAccess, account.Discoverable, account.NextDeviceID, newVersion,
			)
			if err != nil {
				return fmt.Errorf("failed to insert account: %w", err)
			}
		} else {
			res, err := c.db.Exec(ctx, updateAccountQuery,
				account.UUID, account.Number, account.IdentityKey, account.UnidentifiedAccessKey,
				account.UnrestrictedUnidentifiedAccess, account.Discoverable, account.NextDeviceID,
				newVersion, account.Version,
			)
			if err != nil {
				return fmt.Errorf("failed to update account: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to check update result: %w", err)
			}
			if affected == 0 {
				return keyserver.ErrVersionMismatch
			}
			if _, err = c.db.Exec(ctx, deleteDevicesQuery, account.UUID); err != nil {
				return fmt.Errorf("failed to clear devices: %w", err)
			}
		}
		for _, device := range account.Devices {
			var signedPreKeyID sql.NullInt64
			var signedPreKey, signedPreKeySignature []byte
			if device.SignedPreKey != nil {
				signedPreKeyID = sql.NullInt64{Int64: int64(device.SignedPreKey.KeyID), Valid: true}
				signedPreKey = device.SignedPreKey.PublicKey
				signedPreKeySignature = device.SignedPreKey.Signature
			}
			_, err := c.db.Exec(ctx, insertDeviceQuery,
				account.UUID, device.ID, device.RegistrationID, signedPreKeyID, signedPreKey, signedPreKeySignature,
				device.AuthTokenHash, device.FetchesMessages, device.PushToken,
				&dbutil.JSON{Data: &device.Capabilities}, device.Created.UnixMilli(), device.LastSeen.UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert device %d: %w", device.ID, err)
			}
		}
		account.Version = newVersion
		return nil
	})
}

func (c *Container) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	_, err := c.db.Exec(ctx, deleteAccountQuery, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
