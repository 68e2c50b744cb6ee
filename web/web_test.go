package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go.mau.fi/signalserver/keyserver"
	"go.mau.fi/signalserver/keyserver/store"
	"go.mau.fi/signalserver/keyserver/types"
	"go.mau.fi/signalserver/masker"
)

type memoryAccountStore struct {
	accounts map[uuid.UUID]*types.Account
}

func (mas *memoryAccountStore) AccountByUUID(_ context.Context, id uuid.UUID) (*types.Account, error) {
	return mas.accounts[id], nil
}

func (mas *memoryAccountStore) AccountByNumber(_ context.Context, number string) (*types.Account, error) {
	for _, account := range mas.accounts {
		if account.Number == number {
			return account, nil
		}
	}
	return nil, nil
}

func (mas *memoryAccountStore) PutAccount(_ context.Context, account *types.Account) error {
	account.Version++
	mas.accounts[account.UUID] = account
	return nil
}

func (mas *memoryAccountStore) DeleteAccount(_ context.Context, id uuid.UUID) error {
	delete(mas.accounts, id)
	return nil
}

type memoryPreKeyStore struct {
	keys map[string][]types.OneTimePreKey
}

func (mps *memoryPreKeyStore) key(account uuid.UUID, deviceID int) string {
	return fmt.Sprintf("%s/%d", account, deviceID)
}

func (mps *memoryPreKeyStore) PutPreKeys(_ context.Context, account uuid.UUID, deviceID int, keys []types.OneTimePreKey) error {
	mps.keys[mps.key(account, deviceID)] = append(mps.keys[mps.key(account, deviceID)], keys...)
	return nil
}

func (mps *memoryPreKeyStore) CountPreKeys(_ context.Context, account uuid.UUID, deviceID int) (int, error) {
	return len(mps.keys[mps.key(account, deviceID)]), nil
}

func (mps *memoryPreKeyStore) TakePreKey(_ context.Context, account uuid.UUID, deviceID int) (*types.OneTimePreKey, error) {
	queue := mps.keys[mps.key(account, deviceID)]
	if len(queue) == 0 {
		return nil, nil
	}
	taken := queue[0]
	mps.keys[mps.key(account, deviceID)] = queue[1:]
	return &taken, nil
}

func (mps *memoryPreKeyStore) DeletePreKeys(_ context.Context, account uuid.UUID, deviceID int) error {
	delete(mps.keys, mps.key(account, deviceID))
	return nil
}

type spoolEntry struct {
	account  uuid.UUID
	deviceID int
	queued   store.SpooledEnvelope
}

type memorySpool struct {
	entries []spoolEntry
}

func (ms *memorySpool) Deliver(_ context.Context, account uuid.UUID, device *types.Device, envelope *types.Envelope) (bool, error) {
	if !device.FetchesMessages && device.PushToken == "" {
		return false, nil
	}
	ms.entries = append(ms.entries, spoolEntry{
		account:  account,
		deviceID: device.ID,
		queued:   store.SpooledEnvelope{ID: uuid.New(), Envelope: envelope},
	})
	return true, nil
}

func (ms *memorySpool) DequeueBatch(_ context.Context, account uuid.UUID, deviceID, limit int) ([]*store.SpooledEnvelope, error) {
	var batch []*store.SpooledEnvelope
	for i := range ms.entries {
		if ms.entries[i].account == account && ms.entries[i].deviceID == deviceID && len(batch) < limit {
			batch = append(batch, &ms.entries[i].queued)
		}
	}
	return batch, nil
}

func (ms *memorySpool) Acknowledge(_ context.Context, account uuid.UUID, deviceID int, id uuid.UUID) error {
	for i, entry := range ms.entries {
		if entry.account == account && entry.deviceID == deviceID && entry.queued.ID == id {
			ms.entries = append(ms.entries[:i], ms.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (ms *memorySpool) Clear(_ context.Context, account uuid.UUID, deviceID int) error {
	kept := ms.entries[:0]
	for _, entry := range ms.entries {
		if entry.account != account || entry.deviceID != deviceID {
			kept = append(kept, entry)
		}
	}
	ms.entries = kept
	return nil
}

type webFixture struct {
	handler http.Handler
	store   *memoryAccountStore
	preKeys *memoryPreKeyStore
	spool   *memorySpool
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	accountStore := &memoryAccountStore{accounts: make(map[uuid.UUID]*types.Account)}
	preKeys := &memoryPreKeyStore{keys: make(map[string][]types.OneTimePreKey)}
	spool := &memorySpool{}
	m, err := masker.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	resolver := keyserver.NewResolver(accountStore, m)
	server := NewServer(
		zerolog.Nop(),
		":0",
		accountStore,
		keyserver.NewAccountManager(accountStore, preKeys),
		resolver,
		keyserver.NewKeyDistribution(accountStore, preKeys),
		keyserver.NewSender(resolver, spool, nil, nil, 0),
		spool,
	)
	return &webFixture{
		handler: server.server.Handler,
		store:   accountStore,
		preKeys: preKeys,
		spool:   spool,
	}
}

func (wf *webFixture) addAccount(t *testing.T, number, secret string, deviceIDs ...int) *types.Account {
	t.Helper()
	authHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	account := &types.Account{
		UUID:                  uuid.New(),
		Number:                number,
		IdentityKey:           []byte{5, 1, 2, 3},
		UnidentifiedAccessKey: []byte("0123456789abcdef"),
		NextDeviceID:          len(deviceIDs) + 1,
	}
	for _, id := range deviceIDs {
		account.Devices = append(account.Devices, &types.Device{
			ID:             id,
			RegistrationID: 1000 + id,
			SignedPreKey: &types.SignedPreKey{
				KeyID:     id,
				PublicKey: []byte{5, byte(id)},
				Signature: []byte("sig"),
			},
			AuthTokenHash:   string(authHash),
			FetchesMessages: true,
		})
	}
	require.NoError(t, wf.store.PutAccount(context.Background(), account))
	return account
}

func (wf *webFixture) do(t *testing.T, method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reader).Encode(body))
	}
	req := httptest.NewRequest(method, path, &reader)
	if mutate != nil {
		mutate(req)
	}
	recorder := httptest.NewRecorder()
	wf.handler.ServeHTTP(recorder, req)
	return recorder
}

func basicAuth(account *types.Account, deviceID int, secret string) func(*http.Request) {
	return func(r *http.Request) {
		r.SetBasicAuth(fmt.Sprintf("%s.%d", account.UUID, deviceID), secret)
	}
}

func accessKeyHeaderFor(key []byte) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set(accessKeyHeader, base64.StdEncoding.EncodeToString(key))
	}
}

func TestRegisterAndWhoAmI(t *testing.T) {
	wf := newWebFixture(t)
	resp := wf.do(t, http.MethodPost, "/v1/accounts", map[string]any{
		"number":         "+15551234567",
		"authSecret":     "hunter2",
		"registrationId": 123,
	}, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var registered registerResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &registered))
	assert.Equal(t, types.MasterDeviceID, registered.DeviceID)

	account := wf.store.accounts[registered.UUID]
	require.NotNil(t, account)
	resp = wf.do(t, http.MethodGet, "/v1/accounts/whoami", nil, basicAuth(account, 1, "hunter2"))
	require.Equal(t, http.StatusOK, resp.Code)
	var whoami whoAmIResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &whoami))
	assert.Equal(t, registered.UUID, whoami.UUID)
	assert.Equal(t, "+15551234567", whoami.Number)
}

func TestAuthFailures(t *testing.T) {
	wf := newWebFixture(t)
	account := wf.addAccount(t, "+15551234567", "hunter2", 1)

	resp := wf.do(t, http.MethodGet, "/v1/accounts/whoami", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	resp = wf.do(t, http.MethodGet, "/v1/accounts/whoami", nil, basicAuth(account, 1, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	resp = wf.do(t, http.MethodGet, "/v1/accounts/whoami", nil, basicAuth(account, 2, "hunter2"))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestGetPreKeyBundle(t *testing.T) {
	wf := newWebFixture(t)
	sender := wf.addAccount(t, "+15550000001", "hunter2", 1)
	recipient := wf.addAccount(t, "+15550000002", "secret", 1)
	require.NoError(t, wf.preKeys.PutPreKeys(context.Background(), recipient.UUID, 1, []types.OneTimePreKey{
		{KeyID: 5, PublicKey: []byte{5, 5}},
	}))

	resp := wf.do(t, http.MethodGet, fmt.Sprintf("/v2/keys/%s/1", recipient.UUID), nil, basicAuth(sender, 1, "hunter2"))
	require.Equal(t, http.StatusOK, resp.Code)
	var bundle types.PreKeyBundle
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &bundle))
	require.Len(t, bundle.Devices, 1)
	assert.Equal(t, 1001, bundle.Devices[0].RegistrationID)
	require.NotNil(t, bundle.Devices[0].PreKey)
	assert.Equal(t, 5, bundle.Devices[0].PreKey.KeyID)
}

func TestGetPreKeyBundle_BadSelectors(t *testing.T) {
	wf := newWebFixture(t)
	sender := wf.addAccount(t, "+15550000001", "hunter2", 1)

	resp := wf.do(t, http.MethodGet, "/v2/keys/not-a-uuid/1", nil, basicAuth(sender, 1, "hunter2"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = wf.do(t, http.MethodGet, fmt.Sprintf("/v2/keys/%s/zero", uuid.New()), nil, basicAuth(sender, 1, "hunter2"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetPreKeyBundle_AnonymousAccess(t *testing.T) {
	wf := newWebFixture(t)
	recipient := wf.addAccount(t, "+15550000002", "secret", 1)

	resp := wf.do(t, http.MethodGet, fmt.Sprintf("/v2/keys/%s/1", recipient.UUID), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = wf.do(t, http.MethodGet, fmt.Sprintf("/v2/keys/%s/1", recipient.UUID), nil, accessKeyHeaderFor(recipient.UnidentifiedAccessKey))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestGetPreKeyBundle_UnknownTargetIndistinguishable(t *testing.T) {
	wf := newWebFixture(t)
	real := wf.addAccount(t, "+15550000002", "secret", 1)
	wrongKey := accessKeyHeaderFor([]byte("definitely wrong"))

	realResp := wf.do(t, http.MethodGet, fmt.Sprintf("/v2/keys/%s/1", real.UUID), nil, wrongKey)
	unknownResp := wf.do(t, http.MethodGet, fmt.Sprintf("/v2/keys/%s/1", uuid.New()), nil, wrongKey)
	assert.Equal(t, http.StatusUnauthorized, realResp.Code)
	assert.Equal(t, realResp.Code, unknownResp.Code)
	assert.Equal(t, realResp.Body.String(), unknownResp.Body.String())
}

func TestGetPreKeyBundle_UnknownTargetWithAuth(t *testing.T) {
	wf := newWebFixture(t)
	sender := wf.addAccount(t, "+15550000001", "hunter2", 1)

	// An authenticated lookup of an identifier that was never registered
	// still produces a fully shaped bundle.
	resp := wf.do(t, http.MethodGet, fmt.Sprintf("/v2/keys/%s/*", uuid.New()), nil, basicAuth(sender, 1, "hunter2"))
	require.Equal(t, http.StatusOK, resp.Code)
	var bundle types.PreKeyBundle
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &bundle))
	require.Len(t, bundle.IdentityKey, 33)
	assert.NotEmpty(t, bundle.Devices)
}

func TestGetPreKeyBundle_Exhausted(t *testing.T) {
	wf := newWebFixture(t)
	sender := wf.addAccount(t, "+15550000001", "hunter2", 1)
	recipient := wf.addAccount(t, "+15550000002", "secret", 1)
	recipient.Devices[0].SignedPreKey = nil

	resp := wf.do(t, http.MethodGet, fmt.Sprintf("/v2/keys/%s/1", recipient.UUID), nil, basicAuth(sender, 1, "hunter2"))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSendMessages(t *testing.T) {
	wf := newWebFixture(t)
	sender := wf.addAccount(t, "+15550000001", "hunter2", 1)
	recipient := wf.addAccount(t, "+15550000002", "secret", 1, 2)

	body := map[string]any{
		"timestamp": 12345,
		"messages": []map[string]any{
			{"type": 1, "destinationDeviceId": 1, "content": "aGk="},
			{"type": 1, "destinationDeviceId": 2, "content": "aGk="},
		},
	}
	resp := wf.do(t, http.MethodPut, fmt.Sprintf("/v1/messages/%s", recipient.UUID), body, basicAuth(sender, 1, "hunter2"))
	require.Equal(t, http.StatusOK, resp.Code)
	var result keyserver.SendResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.False(t, result.NeedsSync)
}

func TestSendMessages_MismatchedDevices(t *testing.T) {
	wf := newWebFixture(t)
	sender := wf.addAccount(t, "+15550000001", "hunter2", 1)
	recipient := wf.addAccount(t, "+15550000002", "secret", 1, 2)

	body := map[string]any{
		"messages": []map[string]any{
			{"type": 1, "destinationDeviceId": 1, "content": "aGk="},
		},
	}
	resp := wf.do(t, http.MethodPut, fmt.Sprintf("/v1/messages/%s", recipient.UUID), body, basicAuth(sender, 1, "hunter2"))
	require.Equal(t, http.StatusConflict, resp.Code)
	var mismatched keyserver.MismatchedDevicesError
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &mismatched))
	assert.Equal(t, []int{2}, mismatched.MissingDevices)
}

func TestSendMessages_StaleDevices(t *testing.T) {
	wf := newWebFixture(t)
	sender := wf.addAccount(t, "+15550000001", "hunter2", 1)
	recipient := wf.addAccount(t, "+15550000002", "secret", 1)

	body := map[string]any{
		"messages": []map[string]any{
			{"type": 1, "destinationDeviceId": 1, "destinationRegistrationId": 9999, "content": "aGk="},
		},
	}
	resp := wf.do(t, http.MethodPut, fmt.Sprintf("/v1/messages/%s", recipient.UUID), body, basicAuth(sender, 1, "hunter2"))
	require.Equal(t, http.StatusGone, resp.Code)
	var stale keyserver.StaleDevicesError
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stale))
	assert.Equal(t, []int{1}, stale.StaleDevices)
}

func TestGetAndAcknowledgeMessages(t *testing.T) {
	wf := newWebFixture(t)
	sender := wf.addAccount(t, "+15550000001", "hunter2", 1)
	recipient := wf.addAccount(t, "+15550000002", "secret", 1)

	body := map[string]any{
		"timestamp": 12345,
		"messages": []map[string]any{
			{"type": 1, "destinationDeviceId": 1, "content": "aGk="},
		},
	}
	resp := wf.do(t, http.MethodPut, fmt.Sprintf("/v1/messages/%s", recipient.UUID), body, basicAuth(sender, 1, "hunter2"))
	require.Equal(t, http.StatusOK, resp.Code)

	resp = wf.do(t, http.MethodGet, "/v1/messages", nil, basicAuth(recipient, 1, "secret"))
	require.Equal(t, http.StatusOK, resp.Code)
	var list queuedMessageList
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list.Messages, 1)
	assert.False(t, list.More)
	queued := list.Messages[0]
	assert.Equal(t, 1, queued.Type)
	assert.EqualValues(t, 12345, queued.Timestamp)
	assert.Equal(t, sender.UUID.String(), queued.Source)
	assert.Equal(t, 1, queued.SourceDevice)
	assert.Equal(t, []byte("hi"), queued.Content)

	resp = wf.do(t, http.MethodDelete, fmt.Sprintf("/v1/messages/%s", queued.GUID), nil, basicAuth(recipient, 1, "secret"))
	require.Equal(t, http.StatusNoContent, resp.Code)
	resp = wf.do(t, http.MethodGet, "/v1/messages", nil, basicAuth(recipient, 1, "secret"))
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Empty(t, list.Messages)
}

func TestSendMessages_MalformedIdentifier(t *testing.T) {
	wf := newWebFixture(t)
	sender := wf.addAccount(t, "+15550000001", "hunter2", 1)
	resp := wf.do(t, http.MethodPut, "/v1/messages/not-a-uuid", map[string]any{}, basicAuth(sender, 1, "hunter2"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
