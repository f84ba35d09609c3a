package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

type mapStore struct {
	creds map[string]client.Credentials
	err   error
	calls int
}

func (m *mapStore) GetCredentials(_ context.Context, userID, connectionID string) (client.Credentials, error) {
	m.calls++
	if m.err != nil {
		return client.Credentials{}, m.err
	}
	c, ok := m.creds[userID+"/"+connectionID]
	if !ok {
		return client.Credentials{}, remoteerr.New(remoteerr.KindNotFound, "get-credentials", connectionID)
	}
	return c, nil
}

func boolPtr(b bool) *bool { return &b }

func TestResolver_StoredOnly(t *testing.T) {
	store := &mapStore{creds: map[string]client.Credentials{
		"alice/c1": {Username: "alice", Password: "stored", Port: 2222},
	}}
	r := NewResolver(store)

	got, err := r.Resolve(context.Background(), "alice", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, client.Credentials{Username: "alice", Password: "stored", Port: 2222}, got)

	got, err = r.Resolve(context.Background(), "alice", "c1", &client.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "stored", got.Password)
}

func TestResolver_ExplicitOverridesFieldByField(t *testing.T) {
	store := &mapStore{creds: map[string]client.Credentials{
		"alice/c1": {Username: "alice", Password: "stored", Port: 2222, Secure: boolPtr(false)},
	}}
	r := NewResolver(store)

	got, err := r.Resolve(context.Background(), "alice", "c1", &client.Credentials{Password: "typed", Secure: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "typed", got.Password)
	assert.Equal(t, 2222, got.Port)
	require.NotNil(t, got.Secure)
	assert.True(t, *got.Secure)
}

func TestResolver_ExplicitOnly(t *testing.T) {
	r := NewResolver(&mapStore{})
	got, err := r.Resolve(context.Background(), "bob", "new", &client.Credentials{Username: "bob", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)
	assert.Nil(t, got.Secure)

	got, err = NewResolver(nil).Resolve(context.Background(), "bob", "new", &client.Credentials{Username: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", got.Username)
}

func TestResolver_Neither(t *testing.T) {
	r := NewResolver(&mapStore{})
	_, err := r.Resolve(context.Background(), "bob", "c9", nil)
	assert.ErrorIs(t, err, remoteerr.ErrNotFound)

	_, err = NewResolver(nil).Resolve(context.Background(), "bob", "c9", nil)
	assert.ErrorIs(t, err, remoteerr.ErrNotFound)
}

func TestResolver_UserScoped(t *testing.T) {
	store := &mapStore{creds: map[string]client.Credentials{"alice/c1": {Username: "alice"}}}
	_, err := NewResolver(store).Resolve(context.Background(), "mallory", "c1", nil)
	assert.ErrorIs(t, err, remoteerr.ErrNotFound)
}

func TestResolver_StoreFailure(t *testing.T) {
	store := &mapStore{err: errors.New("vault sealed")}
	_, err := NewResolver(store).Resolve(context.Background(), "alice", "c1", &client.Credentials{Username: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault sealed")
	assert.Equal(t, 1, store.calls)
}

func TestMerge_CopiesSecure(t *testing.T) {
	explicit := client.Credentials{Secure: boolPtr(true)}
	out := Merge(client.Credentials{}, explicit)
	*explicit.Secure = false
	assert.True(t, *out.Secure)
}
