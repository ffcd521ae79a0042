package bridge

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/driftmq/driftmq/pkg/broker"
	"github.com/driftmq/driftmq/pkg/store"
)

// peer is the connection loop state for one remote broker.
type peer struct {
	id    string
	url   string
	token string

	mu     sync.Mutex
	client paho.Client

	stop     chan struct{}
	stopOnce sync.Once
	lost     chan struct{}
	done     chan struct{}
}

func newPeer(row *store.PeerBroker) *peer {
	return &peer{
		id:    row.BrokerID,
		url:   row.URL,
		token: row.Token,
		stop:  make(chan struct{}),
		lost:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (p *peer) setClient(c paho.Client) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}

func (p *peer) currentClient() paho.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *peer) requestStop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// awaitStop blocks until the loop exits or the timeout passes.
func (p *peer) awaitStop(timeout time.Duration) {
	select {
	case <-p.done:
	case <-time.After(timeout):
	}
}

// startPeerLocked registers a peer and launches its loop.
// The caller must hold b.mu.
func (b *Bridge) startPeerLocked(row *store.PeerBroker) {
	p := newPeer(row)
	b.peers[row.BrokerID] = p
	go b.runPeer(p)
}

// runPeer is the per-peer connection loop: connect, hold until lost or
// stopped, retry on the reconnect interval.
func (b *Bridge) runPeer(p *peer) {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		client, err := b.connectPeer(p)
		if err != nil {
			b.log.Warn("peer connect failed", "peer", p.id, "url", p.url, "error", err)
		} else {
			p.setClient(client)
			b.log.Info("peer connected", "peer", p.id, "url", p.url)
			select {
			case <-p.stop:
				p.setClient(nil)
				client.Disconnect(disconnectQuiesce)
				return
			case <-p.lost:
				p.setClient(nil)
				b.log.Warn("peer connection lost", "peer", p.id)
			}
		}

		select {
		case <-p.stop:
			return
		case <-time.After(b.cfg.ReconnectInterval):
		}
	}
}

// connectPeer performs one connection attempt, including the share-topic
// subscriptions.
func (b *Bridge) connectPeer(p *peer) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(p.url).
		SetClientID(broker.BridgeClientPrefix + b.cfg.LocalBrokerID).
		SetUsername(broker.BridgeUsername).
		SetPassword(p.token).
		SetCleanSession(true).
		SetKeepAlive(b.cfg.KeepAlive).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetAutoReconnect(false)
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		select {
		case p.lost <- struct{}{}:
		default:
		}
	}

	client := b.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout + 5*time.Second) {
		return nil, fmt.Errorf("connect to %s timed out", p.url)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	if err := b.subscribePeer(p, client); err != nil {
		client.Disconnect(disconnectQuiesce)
		return nil, err
	}
	return client, nil
}

// subscribePeer subscribes to this broker's share topics on the peer.
// Re-subscription after reconnect happens here because the loop runs a fresh
// connect each time.
func (b *Bridge) subscribePeer(p *peer, client paho.Client) error {
	syncTopic := broker.BridgeShareSyncTopic(b.cfg.LocalBrokerID)
	token := client.Subscribe(syncTopic, 0, func(_ paho.Client, msg paho.Message) {
		b.handleShareSync(p.id, msg.Payload())
	})
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe to %s timed out", syncTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", syncTopic, err)
	}

	dataFilter := broker.BridgeShareDataTopic(b.cfg.LocalBrokerID, "+")
	token = client.Subscribe(dataFilter, 0, func(_ paho.Client, msg paho.Message) {
		b.handleShareData(p.id, msg.Payload())
	})
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe to %s timed out", dataFilter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", dataFilter, err)
	}
	return nil
}
