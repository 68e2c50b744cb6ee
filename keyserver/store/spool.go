package store

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/signalserver/keyserver"
	"go.mau.fi/signalserver/keyserver/types"
)

var _ keyserver.DeliveryTransport = (*Spool)(nil)

// Spool is the delivery transport: a durable per-device queue that clients
// drain when they connect. Envelopes are stored cbor-encoded.
type Spool struct {
	db *dbutil.Database
}

const (
	insertSpoolQuery = `
		INSERT INTO signalserver_spool (id, account_uuid, device_id, envelope, server_timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`
	getSpoolBatchQuery = `
		SELECT id, envelope FROM signalserver_spool
		WHERE account_uuid=$1 AND device_id=$2
		ORDER BY server_timestamp LIMIT $3
	`
	deleteSpoolEntryQuery     = `DELETE FROM signalserver_spool WHERE account_uuid=$1 AND device_id=$2 AND id=$3`
	deleteSpoolForDeviceQuery = `DELETE FROM signalserver_spool WHERE account_uuid=$1 AND device_id=$2`
)

// Deliver queues the envelope for the device. A device with no delivery
// descriptor (no push token and not polling) is reported as unreachable and
// nothing is stored.
func (s *Spool) Deliver(ctx context.Context, account uuid.UUID, device *types.Device, envelope *types.Envelope) (bool, error) {
	if !device.FetchesMessages && device.PushToken == "" {
		return false, nil
	}
	encoded, err := cbor.Marshal(envelope)
	if err != nil {
		return false, fmt.Errorf("failed to encode envelope: %w", err)
	}
	_, err = s.db.Exec(ctx, insertSpoolQuery, uuid.New(), account, device.ID, encoded, envelope.ServerTimestamp)
	if err != nil {
		return false, fmt.Errorf("failed to store envelope: %w", err)
	}
	return true, nil
}

// SpooledEnvelope is a queued envelope plus the ID needed to acknowledge it.
type SpooledEnvelope struct {
	ID       uuid.UUID
	Envelope *types.Envelope
}

// DequeueBatch returns up to limit queued envelopes for the device, oldest
// first, without removing them. Entries are removed by Acknowledge.
func (s *Spool) DequeueBatch(ctx context.Context, account uuid.UUID, deviceID, limit int) ([]*SpooledEnvelope, error) {
	rows, err := s.db.Query(ctx, getSpoolBatchQuery, account, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query spool: %w", err)
	}
	return dbutil.NewRowIter(rows, func(row dbutil.Scannable) (*SpooledEnvelope, error) {
		var entry SpooledEnvelope
		var encoded []byte
		if err := row.Scan(&entry.ID, &encoded); err != nil {
			return nil, err
		}
		entry.Envelope = &types.Envelope{}
		if err := cbor.Unmarshal(encoded, entry.Envelope); err != nil {
			return nil, fmt.Errorf("failed to decode envelope: %w", err)
		}
		return &entry, nil
	}).AsList()
}

// Acknowledge removes a queued envelope after the device has processed it.
// The entry must belong to the acknowledging device.
func (s *Spool) Acknowledge(ctx context.Context, account uuid.UUID, deviceID int, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, deleteSpoolEntryQuery, account, deviceID, id)
	return err
}

// Clear drops everything queued for a device, for device removal.
func (s *Spool) Clear(ctx context.Context, account uuid.UUID, deviceID int) error {
	_, err := s.db.Exec(ctx, deleteSpoolForDeviceQuery, account, deviceID)
	return err
}
