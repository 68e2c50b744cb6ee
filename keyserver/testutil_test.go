package keyserver_test

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go.mau.fi/signalserver/keyserver"
	"go.mau.fi/signalserver/keyserver/types"
	"go.mau.fi/signalserver/masker"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestMasker() *masker.Masker {
	m, err := masker.New(testSecret)
	if err != nil {
		panic(err)
	}
	return m
}

type fakeAccountStore struct {
	accounts map[uuid.UUID]*types.Account
}

var _ keyserver.AccountStore = (*fakeAccountStore)(nil)

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: make(map[uuid.UUID]*types.Account)}
}

func (fas *fakeAccountStore) AccountByUUID(_ context.Context, id uuid.UUID) (*types.Account, error) {
	return fas.accounts[id], nil
}

func (fas *fakeAccountStore) AccountByNumber(_ context.Context, number string) (*types.Account, error) {
	for _, account := range fas.accounts {
		if account.Number == number {
			return account, nil
		}
	}
	return nil, nil
}

func (fas *fakeAccountStore) PutAccount(_ context.Context, account *types.Account) error {
	existing := fas.accounts[account.UUID]
	if existing != nil && existing.Version != account.Version {
		return keyserver.ErrVersionMismatch
	}
	account.Version++
	fas.accounts[account.UUID] = account
	return nil
}

func (fas *fakeAccountStore) DeleteAccount(_ context.Context, id uuid.UUID) error {
	delete(fas.accounts, id)
	return nil
}

type fakePreKeyStore struct {
	keys map[string][]types.OneTimePreKey
}

var _ keyserver.PreKeyStore = (*fakePreKeyStore)(nil)

func newFakePreKeyStore() *fakePreKeyStore {
	return &fakePreKeyStore{keys: make(map[string][]types.OneTimePreKey)}
}

func preKeyMapKey(account uuid.UUID, deviceID int) string {
	return fmt.Sprintf("%s/%d", account, deviceID)
}

func (fps *fakePreKeyStore) PutPreKeys(_ context.Context, account uuid.UUID, deviceID int, keys []types.OneTimePreKey) error {
	mapKey := preKeyMapKey(account, deviceID)
	fps.keys[mapKey] = append(fps.keys[mapKey], keys...)
	return nil
}

func (fps *fakePreKeyStore) CountPreKeys(_ context.Context, account uuid.UUID, deviceID int) (int, error) {
	return len(fps.keys[preKeyMapKey(account, deviceID)]), nil
}

func (fps *fakePreKeyStore) TakePreKey(_ context.Context, account uuid.UUID, deviceID int) (*types.OneTimePreKey, error) {
	mapKey := preKeyMapKey(account, deviceID)
	queue := fps.keys[mapKey]
	if len(queue) == 0 {
		return nil, nil
	}
	key := queue[0]
	fps.keys[mapKey] = queue[1:]
	return &key, nil
}

func (fps *fakePreKeyStore) DeletePreKeys(_ context.Context, account uuid.UUID, deviceID int) error {
	delete(fps.keys, preKeyMapKey(account, deviceID))
	return nil
}

type deliveredEnvelope struct {
	account  uuid.UUID
	deviceID int
	envelope *types.Envelope
}

type fakeTransport struct {
	delivered []deliveredEnvelope
}

var _ keyserver.DeliveryTransport = (*fakeTransport)(nil)

// Deliver mimics the spool: devices without a delivery descriptor are
// unreachable.
func (ft *fakeTransport) Deliver(_ context.Context, account uuid.UUID, device *types.Device, envelope *types.Envelope) (bool, error) {
	if !device.FetchesMessages && device.PushToken == "" {
		return false, nil
	}
	ft.delivered = append(ft.delivered, deliveredEnvelope{account: account, deviceID: device.ID, envelope: envelope})
	return true, nil
}

func makeDevice(id, registrationID int) *types.Device {
	return &types.Device{
		ID:             id,
		RegistrationID: registrationID,
		SignedPreKey: &types.SignedPreKey{
			KeyID:     100 + id,
			PublicKey: []byte{5, byte(id), 2, 3},
			Signature: []byte("sig"),
		},
		AuthTokenHash:   "not-a-real-hash",
		FetchesMessages: true,
		Created:         time.Now(),
		LastSeen:        time.Now(),
	}
}

func makeAccount(number string, devices ...*types.Device) *types.Account {
	return &types.Account{
		UUID:                  uuid.New(),
		Number:                number,
		IdentityKey:           []byte{5, 1, 2, 3},
		UnidentifiedAccessKey: []byte("0123456789abcdef"),
		Discoverable:          true,
		NextDeviceID:          len(devices) + 1,
		Devices:               devices,
	}
}
