package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"go.mau.fi/signalserver/keyserver/types"
)

const (
	insertPreKeyQuery     = `INSERT INTO signalserver_prekey (account_uuid, device_id, key_id, public_key) VALUES ($1, $2, $3, $4)`
	countPreKeysQuery     = `SELECT COUNT(*) FROM signalserver_prekey WHERE account_uuid=$1 AND device_id=$2`
	getNextPreKeyQuery    = `SELECT key_id, public_key FROM signalserver_prekey WHERE account_uuid=$1 AND device_id=$2 ORDER BY key_id LIMIT 1`
	deleteOnePreKeyQuery  = `DELETE FROM signalserver_prekey WHERE account_uuid=$1 AND device_id=$2 AND key_id=$3`
	deleteAllPreKeysQuery = `DELETE FROM signalserver_prekey WHERE account_uuid=$1 AND device_id=$2`
)

func (c *Container) PutPreKeys(ctx context.Context, account uuid.UUID, deviceID int, keys []types.OneTimePreKey) error {
	return c.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, key := range keys {
			_, err := c.db.Exec(ctx, insertPreKeyQuery, account, deviceID, key.KeyID, key.PublicKey)
			if err != nil {
				return fmt.Errorf("failed to insert prekey %d: %w", key.KeyID, err)
			}
		}
		return nil
	})
}

func (c *Container) CountPreKeys(ctx context.Context, account uuid.UUID, deviceID int) (count int, err error) {
	err = c.db.QueryRow(ctx, countPreKeysQuery, account, deviceID).Scan(&count)
	return
}

// TakePreKey consumes the lowest-ID one-time prekey of the device, or returns
// nil when none are left. The delete is the consumption: it only counts if it
// actually removed the row, so two concurrent takers can never get the same key
// even under read committed, where both may select the same candidate.
func (c *Container) TakePreKey(ctx context.Context, account uuid.UUID, deviceID int) (*types.OneTimePreKey, error) {
	var key *types.OneTimePreKey
	err := c.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for {
			var scanned types.OneTimePreKey
			err := c.db.QueryRow(ctx, getNextPreKeyQuery, account, deviceID).Scan(&scanned.KeyID, &scanned.PublicKey)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			} else if err != nil {
				return fmt.Errorf("failed to query prekey: %w", err)
			}
			res, err := c.db.Exec(ctx, deleteOnePreKeyQuery, account, deviceID, scanned.KeyID)
			if err != nil {
				return fmt.Errorf("failed to consume prekey: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to check prekey consumption: %w", err)
			}
			if affected == 0 {
				// Someone else consumed this key between the select and the
				// delete, move on to the next one.
				continue
			}
			key = &scanned
			return nil
		}
	})
	return key, err
}

func (c *Container) DeletePreKeys(ctx context.Context, account uuid.UUID, deviceID int) error {
	_, err := c.db.Exec(ctx, deleteAllPreKeysQuery, account, deviceID)
	return err
}
