package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-pushlink-service/internal/storage/sqlite"
	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

func openStore(t *testing.T, path, deviceKey string) *sqlite.StatusStore {
	t.Helper()
	store, err := sqlite.Open(context.Background(), path, deviceKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStatusStore_ReadWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pushlink.db")
	store := openStore(t, path, "device-a")

	t.Run("Empty store reads as defaults", func(t *testing.T) {
		s, err := store.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, registration.DefaultSettings(), s)
	})

	t.Run("Writes are merged", func(t *testing.T) {
		fetched := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
		require.NoError(t, store.Write(ctx, registration.Delta{
			Enabled:     registration.Ref(true),
			Distributor: registration.Ref("org.unifiedpush.Distributor.ntfy"),
			Device:      &registration.DeviceIdentity{UUID: "u-1", DeviceID: 2, Password: "pw"},
		}))
		require.NoError(t, store.Write(ctx, registration.Delta{
			RegistrationStatus:  registration.Ref(registration.StatusOK),
			LastPrivilegedFetch: registration.Ref(fetched),
		}))

		s, err := store.Read(ctx)
		require.NoError(t, err)
		assert.True(t, s.Enabled)
		assert.Equal(t, "org.unifiedpush.Distributor.ntfy", s.Distributor)
		assert.Equal(t, registration.StatusOK, s.RegistrationStatus)
		assert.Equal(t, 2, s.Device.DeviceID)
		assert.True(t, fetched.Equal(s.LastPrivilegedFetch))
	})

	t.Run("Settings are scoped by device key", func(t *testing.T) {
		other := openStore(t, path, "device-b")
		s, err := other.Read(ctx)
		require.NoError(t, err)
		assert.False(t, s.Enabled)
	})
}

func TestStatusStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pushlink.db")

	store, err := sqlite.Open(ctx, path, "device-a")
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, registration.Delta{Endpoint: registration.Ref("https://push.example/e1")}))
	require.NoError(t, store.Close())

	reopened := openStore(t, path, "device-a")
	s, err := reopened.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://push.example/e1", s.Endpoint)
}
