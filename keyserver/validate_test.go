package keyserver_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/signalserver/keyserver"
	"go.mau.fi/signalserver/keyserver/types"
)

func resolveTestTarget(t *testing.T, devices ...*types.Device) keyserver.Target {
	t.Helper()
	ctx := context.Background()
	accounts := newFakeAccountStore()
	account := makeAccount("+15551234567", devices...)
	require.NoError(t, accounts.PutAccount(ctx, account))
	target, err := keyserver.NewResolver(accounts, newTestMasker()).Resolve(ctx, account.UUID)
	require.NoError(t, err)
	return target
}

func messagesFor(deviceIDs ...int) []types.IncomingMessage {
	messages := make([]types.IncomingMessage, len(deviceIDs))
	for i, id := range deviceIDs {
		messages[i] = types.IncomingMessage{
			Type:                int(types.EnvelopeTypeCiphertext),
			DestinationDeviceID: id,
			Content:             []byte("x"),
		}
	}
	return messages
}

func TestValidateCompleteDeviceList_Complete(t *testing.T) {
	target := resolveTestTarget(t, makeDevice(1, 1111), makeDevice(2, 2222))
	assert.NoError(t, keyserver.ValidateCompleteDeviceList(target, messagesFor(1, 2), false, 0))
}

func TestValidateCompleteDeviceList_Missing(t *testing.T) {
	target := resolveTestTarget(t, makeDevice(1, 1111), makeDevice(2, 2222), makeDevice(4, 4444))
	err := keyserver.ValidateCompleteDeviceList(target, messagesFor(1, 2), false, 0)
	var mismatched *keyserver.MismatchedDevicesError
	require.ErrorAs(t, err, &mismatched)
	assert.Equal(t, []int{4}, mismatched.MissingDevices)
	assert.Empty(t, mismatched.ExtraDevices)
}

func TestValidateCompleteDeviceList_Extra(t *testing.T) {
	target := resolveTestTarget(t, makeDevice(1, 1111), makeDevice(2, 2222))
	err := keyserver.ValidateCompleteDeviceList(target, messagesFor(1, 2, 9), false, 0)
	var mismatched *keyserver.MismatchedDevicesError
	require.ErrorAs(t, err, &mismatched)
	assert.Empty(t, mismatched.MissingDevices)
	assert.Equal(t, []int{9}, mismatched.ExtraDevices)
}

func TestValidateCompleteDeviceList_MissingAndExtra(t *testing.T) {
	target := resolveTestTarget(t, makeDevice(1, 1111), makeDevice(3, 3333), makeDevice(2, 2222))
	err := keyserver.ValidateCompleteDeviceList(target, messagesFor(1, 9, 8), false, 0)
	var mismatched *keyserver.MismatchedDevicesError
	require.ErrorAs(t, err, &mismatched)
	assert.Equal(t, []int{2, 3}, mismatched.MissingDevices)
	assert.Equal(t, []int{8, 9}, mismatched.ExtraDevices)
}

func TestValidateCompleteDeviceList_SkipsDisabledDevices(t *testing.T) {
	disabled := makeDevice(3, 3333)
	disabled.AuthTokenHash = ""
	target := resolveTestTarget(t, makeDevice(1, 1111), makeDevice(2, 2222), disabled)
	assert.NoError(t, keyserver.ValidateCompleteDeviceList(target, messagesFor(1, 2), false, 0))
}

func TestValidateCompleteDeviceList_SelfSendExcludesOwnDevice(t *testing.T) {
	target := resolveTestTarget(t, makeDevice(1, 1111), makeDevice(2, 2222), makeDevice(3, 3333))

	assert.NoError(t, keyserver.ValidateCompleteDeviceList(target, messagesFor(1, 3), true, 2))

	// Addressing the authenticated device anyway makes it an extra device.
	err := keyserver.ValidateCompleteDeviceList(target, messagesFor(1, 2, 3), true, 2)
	var mismatched *keyserver.MismatchedDevicesError
	require.ErrorAs(t, err, &mismatched)
	assert.Equal(t, []int{2}, mismatched.ExtraDevices)
}

func TestValidateCompleteDeviceList_DerivedTarget(t *testing.T) {
	ctx := context.Background()
	target, err := keyserver.NewResolver(newFakeAccountStore(), newTestMasker()).Resolve(ctx, uuid.New())
	require.NoError(t, err)

	assert.NoError(t, keyserver.ValidateCompleteDeviceList(target, messagesFor(target.EnabledDeviceIDs()...), false, 0))

	err = keyserver.ValidateCompleteDeviceList(target, messagesFor(99), false, 0)
	var mismatched *keyserver.MismatchedDevicesError
	require.ErrorAs(t, err, &mismatched)
	assert.Equal(t, target.EnabledDeviceIDs(), mismatched.MissingDevices)
	assert.Equal(t, []int{99}, mismatched.ExtraDevices)
}

func staleMessagesFor(claims map[int]int) []types.IncomingMessage {
	messages := make([]types.IncomingMessage, 0, len(claims))
	for deviceID, registrationID := range claims {
		messages = append(messages, types.IncomingMessage{
			Type:                      int(types.EnvelopeTypeCiphertext),
			DestinationDeviceID:       deviceID,
			DestinationRegistrationID: registrationID,
			Content:                   []byte("x"),
		})
	}
	return messages
}

func TestValidateRegistrationIDs_Match(t *testing.T) {
	target := resolveTestTarget(t, makeDevice(1, 1111), makeDevice(2, 2222))
	assert.NoError(t, keyserver.ValidateRegistrationIDs(target, staleMessagesFor(map[int]int{1: 1111, 2: 2222})))
}

func TestValidateRegistrationIDs_ZeroClaimIsNotStale(t *testing.T) {
	target := resolveTestTarget(t, makeDevice(1, 1111), makeDevice(2, 2222))
	assert.NoError(t, keyserver.ValidateRegistrationIDs(target, staleMessagesFor(map[int]int{1: 0, 2: 2222})))
}

func TestValidateRegistrationIDs_Stale(t *testing.T) {
	target := resolveTestTarget(t, makeDevice(1, 1111), makeDevice(2, 2222), makeDevice(3, 3333))
	err := keyserver.ValidateRegistrationIDs(target, staleMessagesFor(map[int]int{1: 1111, 2: 9999, 3: 9998}))
	var stale *keyserver.StaleDevicesError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, []int{2, 3}, stale.StaleDevices)
}

func TestValidateRegistrationIDs_DerivedTarget(t *testing.T) {
	ctx := context.Background()
	target, err := keyserver.NewResolver(newFakeAccountStore(), newTestMasker()).Resolve(ctx, uuid.New())
	require.NoError(t, err)

	claims := make(map[int]int)
	for _, dev := range target.Devices() {
		claims[dev.ID()] = dev.RegistrationID()
	}
	assert.NoError(t, keyserver.ValidateRegistrationIDs(target, staleMessagesFor(claims)))

	claims[types.MasterDeviceID] = claims[types.MasterDeviceID]%0x3FFF + 1
	if claims[types.MasterDeviceID] == target.Device(types.MasterDeviceID).RegistrationID() {
		claims[types.MasterDeviceID]++
	}
	err = keyserver.ValidateRegistrationIDs(target, staleMessagesFor(claims))
	var stale *keyserver.StaleDevicesError
	require.ErrorAs(t, err, &stale)
	assert.Contains(t, stale.StaleDevices, types.MasterDeviceID)
}
