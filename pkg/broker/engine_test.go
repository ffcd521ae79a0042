package broker

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmq/driftmq/pkg/cache"
	"github.com/driftmq/driftmq/pkg/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startEngine brings up a full engine on a loopback listener so tests can
// drive the session-closing paths through a real client connection.
func startEngine(t *testing.T, opts Options, copts ...cache.Option) (*Engine, *store.Store, *cache.Cache) {
	t.Helper()
	s := store.New(t.TempDir())
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	c := cache.New(copts...)
	var e *Engine
	d := NewDispatcher(c, s, &fakeSink{}, func(topic string, payload []byte) error {
		return e.Emit(topic, payload)
	})
	opts.Host = "127.0.0.1"
	opts.Port = freePort(t)
	var err error
	e, err = NewEngine(opts, c, s, d)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background(), 5*time.Second) })
	return e, s, c
}

// connectClient connects a paho client and returns a channel that fires when
// the broker severs the connection.
func connectClient(t *testing.T, port int, clientID, username, password string) (paho.Client, chan struct{}) {
	t.Helper()
	lost := make(chan struct{}, 1)
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", port)).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	opts.OnConnectionLost = func(paho.Client, error) {
		select {
		case lost <- struct{}{}:
		default:
		}
	}
	cl := paho.NewClient(opts)
	token := cl.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { cl.Disconnect(100) })
	return cl, lost
}

func waitClosed(t *testing.T, lost chan struct{}) {
	t.Helper()
	select {
	case <-lost:
	case <-time.After(3 * time.Second):
		t.Fatal("session was not closed")
	}
}

func TestEngine_RejectsBadCredentials(t *testing.T) {
	e, s, c := startEngine(t, Options{})
	seedDevice(t, s, c, "dev-A", "cid-A")

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", e.opts.Port)).
		SetClientID("cid-A").
		SetUsername("user_dev-A").
		SetPassword("wrong").
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	cl := paho.NewClient(opts)
	token := cl.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	assert.Error(t, token.Error())
}

func TestEngine_ForeignSubscribeClosesSession(t *testing.T) {
	e, s, c := startEngine(t, Options{})
	seedDevice(t, s, c, "dev-A", "cid-A")

	cl, lost := connectClient(t, e.opts.Port, "cid-A", "user_dev-A", "secret")

	// The device's own receive topic is fine.
	token := cl.Subscribe("/device/cid-A/r", 0, nil)
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())

	// Another device's receive topic drops the whole session.
	cl.Subscribe("/device/cid-B/r", 0, nil)
	waitClosed(t, lost)
}

func TestEngine_ForeignPublishClosesSession(t *testing.T) {
	e, s, c := startEngine(t, Options{})
	seedDevice(t, s, c, "dev-A", "cid-A")

	cl, lost := connectClient(t, e.opts.Port, "cid-A", "user_dev-A", "secret")
	cl.Publish("/device/cid-B/s", 0, false, `{"toDevice":"cid-A","data":{}}`)
	waitClosed(t, lost)
}

func TestEngine_OversizePublishClosesSession(t *testing.T) {
	e, s, c := startEngine(t, Options{MaxMessageLength: 64})
	seedDevice(t, s, c, "dev-A", "cid-A")

	cl, lost := connectClient(t, e.opts.Port, "cid-A", "user_dev-A", "secret")
	big := fmt.Sprintf(`{"toDevice":"cid-B","data":{"pad":%q}}`, strings.Repeat("x", 200))
	cl.Publish("/device/cid-A/s", 0, false, big)
	waitClosed(t, lost)
}

func TestEngine_RateViolationClosesSession(t *testing.T) {
	e, s, c := startEngine(t, Options{}, cache.WithPublishRateLimit(time.Hour))
	seedDevice(t, s, c, "dev-A", "cid-A")

	cl, lost := connectClient(t, e.opts.Port, "cid-A", "user_dev-A", "secret")

	token := cl.Publish("/device/cid-A/s", 0, false, `{"toDevice":"cid-B","data":{"v":1}}`)
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())

	cl.Publish("/device/cid-A/s", 0, false, `{"toDevice":"cid-B","data":{"v":2}}`)
	waitClosed(t, lost)
}

func TestEngine_MalformedPayloadKeepsSession(t *testing.T) {
	e, s, c := startEngine(t, Options{})
	seedDevice(t, s, c, "dev-A", "cid-A")

	cl, lost := connectClient(t, e.opts.Port, "cid-A", "user_dev-A", "secret")
	cl.Publish("/device/cid-A/s", 0, false, "not json")

	select {
	case <-lost:
		t.Fatal("session closed for a malformed payload")
	case <-time.After(500 * time.Millisecond):
	}
	assert.True(t, cl.IsConnected())
}
