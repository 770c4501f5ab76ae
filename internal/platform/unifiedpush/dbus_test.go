package unifiedpush_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pushlink-service/internal/platform/unifiedpush"
	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

type fakeObject struct {
	dbus.BusObject
	dest  string
	calls []string
	args  [][]interface{}
	reply func(method string) *dbus.Call
}

func (o *fakeObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	o.calls = append(o.calls, method)
	o.args = append(o.args, args)
	return o.reply(method)
}

type fakeBus struct {
	root     *fakeObject
	objects  map[string]*fakeObject
	exported interface{}
	path     dbus.ObjectPath
	iface    string
}

func (b *fakeBus) Object(dest string, _ dbus.ObjectPath) dbus.BusObject {
	return b.objects[dest]
}

func (b *fakeBus) BusObject() dbus.BusObject {
	return b.root
}

func (b *fakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	b.exported, b.path, b.iface = v, path, iface
	return nil
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) OnNewEndpoint(ctx context.Context, endpoint string) error {
	return m.Called(ctx, endpoint).Error(0)
}

func (m *mockHandler) OnRegistrationFailed(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockHandler) OnUnregistered(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockHandler) OnMessage(ctx context.Context, payload []byte) error {
	return m.Called(ctx, payload).Error(0)
}

const distributorID = unifiedpush.DistributorPrefix + "ntfy"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reply(body ...interface{}) func(string) *dbus.Call {
	return func(string) *dbus.Call { return &dbus.Call{Body: body} }
}

func TestDBusPlatform_Available(t *testing.T) {
	bus := &fakeBus{root: &fakeObject{reply: reply([]string{
		"org.freedesktop.Notifications",
		unifiedpush.DistributorPrefix + "ntfy",
		":1.42",
		unifiedpush.DistributorPrefix + "kde",
	})}}
	p := unifiedpush.NewDBusPlatform(bus, "org.example.Pushlink", "tok", "pushlink", newTestLogger())

	got, err := p.Available(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []registration.Distributor{
		{ID: unifiedpush.DistributorPrefix + "kde", Label: "kde"},
		{ID: unifiedpush.DistributorPrefix + "ntfy", Label: "ntfy"},
	}, got)
	assert.Equal(t, []string{"org.freedesktop.DBus.ListNames"}, bus.root.calls)

	t.Run("bus error", func(t *testing.T) {
		bus.root.reply = func(string) *dbus.Call { return &dbus.Call{Err: errors.New("bus gone")} }
		_, err := p.Available(context.Background())
		assert.Error(t, err)
	})
}

func TestDBusPlatform_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds", func(t *testing.T) {
		obj := &fakeObject{reply: reply("REGISTRATION_SUCCEEDED", "")}
		bus := &fakeBus{objects: map[string]*fakeObject{distributorID: obj}}
		p := unifiedpush.NewDBusPlatform(bus, "org.example.Pushlink", "tok", "pushlink", newTestLogger())

		require.NoError(t, p.Register(ctx, distributorID))
		assert.Equal(t, []string{unifiedpush.DistributorInterface + ".Register"}, obj.calls)
		assert.Equal(t, []interface{}{"org.example.Pushlink", "tok", "pushlink"}, obj.args[0])
	})

	t.Run("refusal reports registration failure", func(t *testing.T) {
		obj := &fakeObject{reply: reply("REGISTRATION_FAILED", "quota")}
		bus := &fakeBus{objects: map[string]*fakeObject{distributorID: obj}}
		p := unifiedpush.NewDBusPlatform(bus, "org.example.Pushlink", "tok", "pushlink", newTestLogger())

		handler := new(mockHandler)
		handler.On("OnRegistrationFailed", mock.Anything).Return(nil).Once()
		require.NoError(t, p.Listen(ctx, handler))

		err := p.Register(ctx, distributorID)
		assert.ErrorIs(t, err, unifiedpush.ErrRegistrationRefused)
		handler.AssertExpectations(t)
	})

	t.Run("rejects non-distributor names", func(t *testing.T) {
		p := unifiedpush.NewDBusPlatform(&fakeBus{}, "org.example.Pushlink", "tok", "pushlink", newTestLogger())
		err := p.Register(ctx, "org.freedesktop.Notifications")
		assert.ErrorIs(t, err, registration.ErrUnknownDistributor)
	})
}

func TestDBusPlatform_Unregister(t *testing.T) {
	obj := &fakeObject{reply: reply()}
	bus := &fakeBus{objects: map[string]*fakeObject{distributorID: obj}}
	p := unifiedpush.NewDBusPlatform(bus, "org.example.Pushlink", "tok", "pushlink", newTestLogger())

	require.NoError(t, p.Unregister(context.Background(), distributorID))
	assert.Equal(t, []string{unifiedpush.DistributorInterface + ".Unregister"}, obj.calls)
	assert.Equal(t, []interface{}{"tok"}, obj.args[0])
}

type connectorMethods interface {
	NewEndpoint(token, endpoint string) *dbus.Error
	Unregistered(token string) *dbus.Error
	Message(token string, message []byte, messageID string) *dbus.Error
}

func TestDBusPlatform_ConnectorRoutesCallbacks(t *testing.T) {
	ctx := context.Background()
	bus := &fakeBus{}
	p := unifiedpush.NewDBusPlatform(bus, "org.example.Pushlink", "", "pushlink", newTestLogger())
	require.NotEmpty(t, p.Token())

	handler := new(mockHandler)
	require.NoError(t, p.Listen(ctx, handler))
	assert.Equal(t, unifiedpush.ConnectorPath, bus.path)
	assert.Equal(t, unifiedpush.ConnectorInterface, bus.iface)

	c, ok := bus.exported.(connectorMethods)
	require.True(t, ok)

	handler.On("OnNewEndpoint", ctx, "https://push.example/e1").Return(nil).Once()
	handler.On("OnMessage", ctx, []byte("wake")).Return(nil).Once()
	handler.On("OnUnregistered", ctx).Return(errors.New("store down")).Once()

	assert.Nil(t, c.NewEndpoint(p.Token(), "https://push.example/e1"))
	assert.Nil(t, c.Message(p.Token(), []byte("wake"), "m1"))
	assert.NotNil(t, c.Unregistered(p.Token()))

	t.Run("foreign token is ignored", func(t *testing.T) {
		assert.Nil(t, c.NewEndpoint("someone-else", "https://push.example/e2"))
	})

	handler.AssertExpectations(t)
}
