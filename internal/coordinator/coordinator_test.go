package coordinator_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pushlink-service/internal/coordinator"
	"github.com/tinywideclouds/go-pushlink-service/internal/runner"
	"github.com/tinywideclouds/go-pushlink-service/internal/storage/memory"
	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mocks ---

type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) DiscoverRelay(ctx context.Context, relayURL string) (registration.Discovery, error) {
	args := m.Called(ctx, relayURL)
	return args.Get(0).(registration.Discovery), args.Error(1)
}

func (m *mockRelay) RegisterEndpoint(ctx context.Context, device registration.DeviceIdentity, endpoint, relayURL string) (registration.Status, error) {
	args := m.Called(ctx, device, endpoint, relayURL)
	return args.Get(0).(registration.Status), args.Error(1)
}

type mockDistributors struct {
	mock.Mock
}

func (m *mockDistributors) Available(ctx context.Context) ([]registration.Distributor, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]registration.Distributor), args.Error(1)
}

func (m *mockDistributors) Register(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockDistributors) Unregister(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type mockLinker struct {
	mock.Mock
}

func (m *mockLinker) EnsureDevice(ctx context.Context, current registration.DeviceIdentity) (registration.DeviceIdentity, error) {
	args := m.Called(ctx, current)
	return args.Get(0).(registration.DeviceIdentity), args.Error(1)
}

type mockConnection struct {
	mock.Mock
}

func (m *mockConnection) RegisterKeepAliveToken(key string) { m.Called(key) }
func (m *mockConnection) RemoveKeepAliveToken(key string)   { m.Called(key) }
func (m *mockConnection) IsForeground() bool                { return m.Called().Bool(0) }
func (m *mockConnection) Restart(ctx context.Context, foreground bool) error {
	return m.Called(ctx, foreground).Error(0)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []registration.Event
}

func (n *recordingNotifier) Publish(e registration.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) Events() []registration.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]registration.Event(nil), n.events...)
}

// --- Fixture ---

var (
	ntfy     = registration.Distributor{ID: "org.unifiedpush.Distributor.ntfy", Label: "ntfy"}
	device   = registration.DeviceIdentity{UUID: "u-1", DeviceID: 2, Password: "pw"}
	relayURL = "https://relay.example/"
)

type fixture struct {
	coord        *coordinator.Coordinator
	store        *memory.StatusStore
	relay        *mockRelay
	distributors *mockDistributors
	linker       *mockLinker
	notifier     *recordingNotifier
}

func newFixture(t *testing.T, initial registration.Delta, conn registration.ConnectionManager) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := newTestLogger()

	store := memory.NewStatusStore()
	require.NoError(t, store.Write(ctx, initial))

	r := runner.New(logger, nil)
	r.Start(ctx)
	t.Cleanup(r.Stop)

	f := &fixture{
		store:        store,
		relay:        new(mockRelay),
		distributors: new(mockDistributors),
		linker:       new(mockLinker),
		notifier:     &recordingNotifier{},
	}

	deps := coordinator.Dependencies{
		Store:        store,
		Relay:        f.relay,
		Distributors: f.distributors,
		Linker:       f.linker,
		Notifier:     f.notifier,
		Runner:       r,
	}
	if conn != nil {
		deps.Connection = conn
	}

	coord, err := coordinator.New(deps, coordinator.Options{}, logger)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func (f *fixture) settings(t *testing.T) registration.Settings {
	t.Helper()
	s, err := f.store.Read(context.Background())
	require.NoError(t, err)
	return s
}

func (f *fixture) waitForStatus(t *testing.T, want registration.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := f.coord.Status(context.Background())
		return err == nil && st == want
	}, 2*time.Second, 10*time.Millisecond)
}

func registered(endpoint string, status registration.Status) registration.Delta {
	return registration.Delta{
		Enabled:            registration.Ref(true),
		Distributor:        registration.Ref(ntfy.ID),
		Endpoint:           registration.Ref(endpoint),
		RelayURL:           registration.Ref(relayURL),
		RegistrationStatus: registration.Ref(status),
		Device:             &device,
	}
}

// --- Tests ---

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := coordinator.New(coordinator.Dependencies{}, coordinator.Options{}, newTestLogger())
	assert.Error(t, err)
}

func TestOnNewEndpoint_AirGappedNeverRegisters(t *testing.T) {
	ctx := context.Background()
	initial := registered("e1", registration.StatusOK)
	initial.AirGapped = registration.Ref(true)
	f := newFixture(t, initial, nil)
	f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

	require.NoError(t, f.coord.OnNewEndpoint(ctx, "e2"))

	assert.Equal(t, "e2", f.settings(t).Endpoint)
	st, err := f.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, registration.StatusAirGapped, st)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, registration.EventEndpointChanged, events[0].Kind)
	assert.Equal(t, registration.StatusAirGapped, events[0].Status)

	time.Sleep(50 * time.Millisecond)
	f.relay.AssertNotCalled(t, "DiscoverRelay", mock.Anything, mock.Anything)
	f.relay.AssertNotCalled(t, "RegisterEndpoint", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOnNewEndpoint_UnchangedIsIgnored(t *testing.T) {
	f := newFixture(t, registered("e1", registration.StatusOK), nil)

	require.NoError(t, f.coord.OnNewEndpoint(context.Background(), "e1"))
	assert.Empty(t, f.notifier.Events())
	f.distributors.AssertNotCalled(t, "Available", mock.Anything)
}

func TestOnNewEndpoint_OKToOKScenario(t *testing.T) {
	ctx := context.Background()
	conn := new(mockConnection)
	conn.On("IsForeground").Return(false)

	f := newFixture(t, registered("e1", registration.StatusOK), conn)
	f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

	release := make(chan struct{})
	f.relay.On("DiscoverRelay", mock.Anything, relayURL).
		Run(func(mock.Arguments) { <-release }).
		Return(registration.DiscoveryReachable, nil).Once()
	f.relay.On("RegisterEndpoint", mock.Anything, device, "e2", relayURL).
		Return(registration.StatusOK, nil).Once()

	require.NoError(t, f.coord.OnNewEndpoint(ctx, "e2"))

	// The attempt is blocked in discovery, so the overlay is visible.
	st, err := f.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, registration.StatusPending, st)

	close(release)
	f.waitForStatus(t, registration.StatusOK)

	s := f.settings(t)
	assert.Equal(t, "e2", s.Endpoint)
	assert.Equal(t, registration.StatusOK, s.RegistrationStatus)
	assert.True(t, s.RelayReachable)

	require.Eventually(t, func() bool {
		events := f.notifier.Events()
		return len(events) == 2
	}, time.Second, 10*time.Millisecond)
	events := f.notifier.Events()
	assert.Equal(t, registration.StatusPending, events[0].Status)
	assert.Equal(t, registration.StatusOK, events[1].Status)
	assert.Equal(t, "e2", events[1].Endpoint)

	f.relay.AssertExpectations(t)
	conn.AssertNotCalled(t, "Restart", mock.Anything, mock.Anything)
}

func TestOnNewEndpoint_UnreachableRelay(t *testing.T) {
	ctx := context.Background()
	initial := registered("e1", registration.StatusOK)
	initial.RelayReachable = registration.Ref(true)
	f := newFixture(t, initial, nil)
	f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)
	f.relay.On("DiscoverRelay", mock.Anything, relayURL).Return(registration.DiscoveryUnreachable, nil)

	require.NoError(t, f.coord.OnNewEndpoint(ctx, "e2"))
	f.waitForStatus(t, registration.StatusServerNotFoundAtURL)

	s := f.settings(t)
	assert.False(t, s.RelayReachable)
	f.relay.AssertNotCalled(t, "RegisterEndpoint", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOnNewEndpoint_RemoteFailuresMapToTerminalStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("Discovery error is internal error", func(t *testing.T) {
		f := newFixture(t, registered("e1", registration.StatusOK), nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)
		f.relay.On("DiscoverRelay", mock.Anything, relayURL).Return(registration.Discovery(""), assert.AnError)

		require.NoError(t, f.coord.OnNewEndpoint(ctx, "e2"))
		f.waitForStatus(t, registration.StatusInternalError)
		assert.False(t, f.settings(t).RelayReachable)
	})

	t.Run("Register error is internal error", func(t *testing.T) {
		f := newFixture(t, registered("e1", registration.StatusOK), nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)
		f.relay.On("DiscoverRelay", mock.Anything, relayURL).Return(registration.DiscoveryReachable, nil)
		f.relay.On("RegisterEndpoint", mock.Anything, device, "e2", relayURL).
			Return(registration.StatusInternalError, assert.AnError)

		require.NoError(t, f.coord.OnNewEndpoint(ctx, "e2"))
		f.waitForStatus(t, registration.StatusInternalError)
		assert.True(t, f.settings(t).RelayReachable)
	})

	t.Run("Rejected identity is forbidden", func(t *testing.T) {
		f := newFixture(t, registered("e1", registration.StatusInternalError), nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)
		f.relay.On("DiscoverRelay", mock.Anything, relayURL).Return(registration.DiscoveryReachable, nil)
		f.relay.On("RegisterEndpoint", mock.Anything, device, "e2", relayURL).
			Return(registration.StatusForbiddenUUID, nil)

		require.NoError(t, f.coord.OnNewEndpoint(ctx, "e2"))
		f.waitForStatus(t, registration.StatusForbiddenUUID)
	})
}

func TestOnNewEndpoint_NonRetryableStatusOnlyNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Delta{}, nil)
	f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

	require.NoError(t, f.coord.OnNewEndpoint(ctx, "e1"))

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, registration.StatusDisabled, events[0].Status)
	time.Sleep(50 * time.Millisecond)
	f.relay.AssertNotCalled(t, "DiscoverRelay", mock.Anything, mock.Anything)
}

func TestOnNewEndpoint_BurstCoalesces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registered("e0", registration.StatusOK), nil)
	f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	f.relay.On("DiscoverRelay", mock.Anything, relayURL).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(registration.DiscoveryReachable, nil).Once()
	f.relay.On("DiscoverRelay", mock.Anything, relayURL).Return(registration.DiscoveryReachable, nil)
	f.relay.On("RegisterEndpoint", mock.Anything, device, mock.Anything, relayURL).Return(registration.StatusOK, nil)

	require.NoError(t, f.coord.OnNewEndpoint(ctx, "e1"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first registration never started")
	}

	for _, e := range []string{"e2", "e3", "e4", "e5"} {
		require.NoError(t, f.coord.OnNewEndpoint(ctx, e))
	}
	close(release)

	f.waitForStatus(t, registration.StatusOK)
	time.Sleep(50 * time.Millisecond)

	f.relay.AssertNumberOfCalls(t, "DiscoverRelay", 2)
	f.relay.AssertNumberOfCalls(t, "RegisterEndpoint", 2)
	f.relay.AssertCalled(t, "RegisterEndpoint", mock.Anything, device, "e5", relayURL)
	f.relay.AssertNotCalled(t, "RegisterEndpoint", mock.Anything, device, "e3", relayURL)
}

func TestOnRegistrationFailed_Notifies(t *testing.T) {
	f := newFixture(t, registered("e1", registration.StatusOK), nil)
	f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

	require.NoError(t, f.coord.OnRegistrationFailed(context.Background()))

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, registration.EventRegistrationFailed, events[0].Kind)
	assert.Equal(t, registration.StatusOK, f.settings(t).RegistrationStatus)
}

func TestOnUnregistered_ClearsEndpoint(t *testing.T) {
	conn := new(mockConnection)
	conn.On("IsForeground").Return(false)
	conn.On("Restart", mock.Anything, true).Return(nil).Once()

	f := newFixture(t, registered("e1", registration.StatusOK), conn)
	f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

	require.NoError(t, f.coord.OnUnregistered(context.Background()))

	assert.Empty(t, f.settings(t).Endpoint)
	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, registration.EventEndpointChanged, events[0].Kind)
	conn.AssertExpectations(t)
}

func TestSetEnabled(t *testing.T) {
	ctx := context.Background()

	t.Run("No distributor available is a no-op", func(t *testing.T) {
		f := newFixture(t, registration.Delta{}, nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{}, nil)

		require.NoError(t, f.coord.SetEnabled(ctx, true))

		assert.False(t, f.settings(t).Enabled)
		st, err := f.coord.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, registration.StatusNoDistributor, st)
		f.distributors.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
	})

	t.Run("Enable binds first distributor and links device", func(t *testing.T) {
		f := newFixture(t, registration.Delta{RelayURL: registration.Ref(relayURL)}, nil)
		other := registration.Distributor{ID: "org.unifiedpush.Distributor.other", Label: "other"}
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy, other}, nil)
		f.distributors.On("Register", mock.Anything, ntfy.ID).Return(nil).Once()
		f.linker.On("EnsureDevice", mock.Anything, registration.DeviceIdentity{}).Return(device, nil).Once()
		f.relay.On("DiscoverRelay", mock.Anything, relayURL).Return(registration.DiscoveryReachable, nil)

		require.NoError(t, f.coord.SetEnabled(ctx, true))
		f.waitForStatus(t, registration.StatusMissingEndpoint)

		s := f.settings(t)
		assert.True(t, s.Enabled)
		assert.Equal(t, ntfy.ID, s.Distributor)
		assert.Equal(t, device, s.Device)
		assert.True(t, s.RelayReachable)

		f.distributors.AssertExpectations(t)
		f.linker.AssertExpectations(t)
		f.relay.AssertNotCalled(t, "RegisterEndpoint", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

		// The distributor now issues an endpoint.
		f.relay.On("RegisterEndpoint", mock.Anything, device, "e1", relayURL).Return(registration.StatusOK, nil).Once()
		require.NoError(t, f.coord.OnNewEndpoint(ctx, "e1"))
		f.waitForStatus(t, registration.StatusOK)
	})

	t.Run("Link failure is internal error", func(t *testing.T) {
		f := newFixture(t, registration.Delta{RelayURL: registration.Ref(relayURL)}, nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)
		f.distributors.On("Register", mock.Anything, ntfy.ID).Return(nil)
		f.linker.On("EnsureDevice", mock.Anything, mock.Anything).Return(registration.DeviceIdentity{}, assert.AnError)

		require.NoError(t, f.coord.SetEnabled(ctx, true))
		f.waitForStatus(t, registration.StatusInternalError)
		f.relay.AssertNotCalled(t, "RegisterEndpoint", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Disable unregisters and clears binding", func(t *testing.T) {
		conn := new(mockConnection)
		conn.On("IsForeground").Return(false)
		conn.On("Restart", mock.Anything, true).Return(nil).Once()

		f := newFixture(t, registered("e1", registration.StatusOK), conn)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)
		f.distributors.On("Unregister", mock.Anything, ntfy.ID).Return(nil).Once()

		require.NoError(t, f.coord.SetEnabled(ctx, false))

		s := f.settings(t)
		assert.False(t, s.Enabled)
		assert.Empty(t, s.Distributor)
		st, err := f.coord.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, registration.StatusDisabled, st)

		f.distributors.AssertExpectations(t)
		conn.AssertExpectations(t)
	})
}

func TestSetRelayURL(t *testing.T) {
	ctx := context.Background()

	t.Run("Normalizes and clears", func(t *testing.T) {
		f := newFixture(t, registration.Delta{}, nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

		require.NoError(t, f.coord.SetRelayURL(ctx, "https://relay.example"))
		assert.Equal(t, "https://relay.example/", f.settings(t).RelayURL)

		require.NoError(t, f.coord.SetRelayURL(ctx, "https://relay.example/"))
		assert.Equal(t, "https://relay.example/", f.settings(t).RelayURL)

		require.NoError(t, f.coord.SetRelayURL(ctx, "   "))
		assert.Empty(t, f.settings(t).RelayURL)
	})

	t.Run("Retries registration from an error status", func(t *testing.T) {
		f := newFixture(t, registered("e1", registration.StatusServerNotFoundAtURL), nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)
		f.relay.On("DiscoverRelay", mock.Anything, "https://other.example/").Return(registration.DiscoveryReachable, nil)
		f.relay.On("RegisterEndpoint", mock.Anything, device, "e1", "https://other.example/").Return(registration.StatusOK, nil)

		require.NoError(t, f.coord.SetRelayURL(ctx, "https://other.example"))
		f.waitForStatus(t, registration.StatusOK)
	})
}

func TestSetAirGapped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registered("e1", registration.StatusOK), nil)
	f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

	require.NoError(t, f.coord.SetAirGapped(ctx, true))

	st, err := f.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, registration.StatusAirGapped, st)
	time.Sleep(50 * time.Millisecond)
	f.relay.AssertNotCalled(t, "DiscoverRelay", mock.Anything, mock.Anything)
}

func TestSetFetchStrategy_PersistsOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registered("e1", registration.StatusOK), nil)
	f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

	require.NoError(t, f.coord.SetFetchStrategy(ctx, registration.FetchOutOfBand))

	assert.Equal(t, registration.FetchOutOfBand, f.settings(t).FetchStrategy)
	time.Sleep(50 * time.Millisecond)
	f.relay.AssertNotCalled(t, "DiscoverRelay", mock.Anything, mock.Anything)
}

func TestSetDistributor(t *testing.T) {
	ctx := context.Background()
	other := registration.Distributor{ID: "org.unifiedpush.Distributor.other", Label: "other"}

	t.Run("Binds and registers", func(t *testing.T) {
		f := newFixture(t, registered("e1", registration.StatusOK), nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy, other}, nil)
		f.distributors.On("Unregister", mock.Anything, ntfy.ID).Return(nil).Once()
		f.distributors.On("Register", mock.Anything, other.ID).Return(nil).Once()

		require.NoError(t, f.coord.SetDistributor(ctx, other.ID))
		assert.Equal(t, other.ID, f.settings(t).Distributor)
		f.distributors.AssertExpectations(t)
	})

	t.Run("Unknown distributor is rejected", func(t *testing.T) {
		f := newFixture(t, registration.Delta{}, nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

		err := f.coord.SetDistributor(ctx, "missing")
		assert.ErrorIs(t, err, registration.ErrUnknownDistributor)
	})

	t.Run("Nothing installed", func(t *testing.T) {
		f := newFixture(t, registration.Delta{}, nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{}, nil)

		err := f.coord.SetDistributor(ctx, ntfy.ID)
		assert.ErrorIs(t, err, registration.ErrNoDistributor)
	})
}

func TestEnsureConnectionMode(t *testing.T) {
	ctx := context.Background()

	t.Run("Matching mode is left alone", func(t *testing.T) {
		conn := new(mockConnection)
		conn.On("IsForeground").Return(true)

		f := newFixture(t, registration.Delta{}, conn)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

		require.NoError(t, f.coord.EnsureConnectionMode(ctx))
		require.NoError(t, f.coord.EnsureConnectionMode(ctx))
		conn.AssertNotCalled(t, "Restart", mock.Anything, mock.Anything)
	})

	t.Run("Registered push leaves foreground", func(t *testing.T) {
		conn := new(mockConnection)
		conn.On("IsForeground").Return(true)
		conn.On("Restart", mock.Anything, false).Return(nil).Once()

		f := newFixture(t, registered("e1", registration.StatusOK), conn)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

		require.NoError(t, f.coord.EnsureConnectionMode(ctx))
		conn.AssertExpectations(t)
	})

	t.Run("Air-gapped requires foreground", func(t *testing.T) {
		conn := new(mockConnection)
		conn.On("IsForeground").Return(false)
		conn.On("Restart", mock.Anything, true).Return(nil).Once()

		initial := registered("e1", registration.StatusOK)
		initial.AirGapped = registration.Ref(true)
		f := newFixture(t, initial, conn)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)

		require.NoError(t, f.coord.EnsureConnectionMode(ctx))
		conn.AssertExpectations(t)
	})
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty distributor list", func(t *testing.T) {
		f := newFixture(t, registered("e1", registration.StatusOK), nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{}, nil)

		snap, err := f.coord.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Distributors, 1)
		assert.Empty(t, snap.Distributors[0].ID)
		assert.Equal(t, registration.NoneSelected, snap.Selected)
		assert.Equal(t, registration.StatusNoDistributor, snap.Status)
	})

	t.Run("Selected index follows binding", func(t *testing.T) {
		other := registration.Distributor{ID: "org.unifiedpush.Distributor.other", Label: "other"}
		f := newFixture(t, registered("e1", registration.StatusOK), nil)
		f.distributors.On("Available", mock.Anything).Return([]registration.Distributor{other, ntfy}, nil)

		snap, err := f.coord.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.Selected)
		assert.Equal(t, registration.StatusOK, snap.Status)
		assert.Equal(t, "e1", snap.Endpoint)
		assert.Equal(t, device.DeviceID, snap.DeviceID)
		assert.Equal(t, relayURL, snap.RelayURL)
	})
}

type droppingRunner struct {
	mu        sync.Mutex
	submitted int
}

func (r *droppingRunner) Submit(runner.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
}

func TestClose_ClearsDiscardedPending(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	store := memory.NewStatusStore()
	require.NoError(t, store.Write(ctx, registered("e0", registration.StatusOK)))

	distributors := new(mockDistributors)
	distributors.On("Available", mock.Anything).Return([]registration.Distributor{ntfy}, nil)
	notifier := &recordingNotifier{}
	jobs := &droppingRunner{}

	coord, err := coordinator.New(coordinator.Dependencies{
		Store:        store,
		Relay:        new(mockRelay),
		Distributors: distributors,
		Linker:       new(mockLinker),
		Notifier:     notifier,
		Runner:       jobs,
	}, coordinator.Options{}, logger)
	require.NoError(t, err)

	require.NoError(t, coord.OnNewEndpoint(ctx, "e1"))
	assert.Equal(t, 1, jobs.submitted)

	status, err := coord.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, registration.StatusPending, status)

	coord.Close(ctx)

	status, err = coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, registration.StatusOK, status)

	events := notifier.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, registration.StatusOK, events[len(events)-1].Status)
}
