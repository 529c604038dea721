package netmgr

import (
	"context"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
)

// PubsubTransport is the Transport backed by go-libp2p-pubsub's GossipSub
// router over a go-libp2p host. Grounded on the drand/drand dependency
// manifest (_examples/other_examples/manifests/drand-drand/go.mod) — a
// real threshold-crypto distributed system pairing exactly these two
// libraries for gossip — and on
// prysmaticlabs-prysm/beacon-chain/p2p's topic-join/publish/subscribe
// idiom (PubsubTransport.drain mirrors that package's subscription loop).
type PubsubTransport struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	messages chan []byte
	stopCh   chan struct{}
}

// NewPubsubTransport builds a libp2p host bound to identity, joins
// topicName on a GossipSub router, and starts draining inbound messages
// into Messages().
func NewPubsubTransport(ctx context.Context, identity libp2pcrypto.PrivKey, listenAddrs []string, topicName string) (*PubsubTransport, error) {
	opts := []libp2p.Option{libp2p.Identity(identity)}
	for _, addr := range listenAddrs {
		opts = append(opts, libp2p.ListenAddrStrings(addr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	topic, err := ps.Join(topicName)
	if err != nil {
		h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		h.Close()
		return nil, err
	}

	t := &PubsubTransport{
		host:     h,
		ps:       ps,
		topic:    topic,
		sub:      sub,
		messages: make(chan []byte, 256),
		stopCh:   make(chan struct{}),
	}
	go t.drain(ctx)
	return t, nil
}

// drain forwards every message not authored by this host onto Messages();
// GossipSub delivers a node's own publishes back to its own subscription,
// which would otherwise make the inbound path re-process its own events.
func (t *PubsubTransport) drain(ctx context.Context) {
	defer close(t.messages)
	selfID := t.host.ID()
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == selfID {
			continue
		}
		select {
		case t.messages <- msg.Data:
		case <-t.stopCh:
			return
		}
	}
}

// Publish sends data on the joined topic.
func (t *PubsubTransport) Publish(ctx context.Context, data []byte) error {
	return t.topic.Publish(ctx, data)
}

// Messages returns the channel of inbound message bodies.
func (t *PubsubTransport) Messages() <-chan []byte {
	return t.messages
}

// Close cancels the subscription, leaves the topic, and shuts down the host.
func (t *PubsubTransport) Close() error {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	t.sub.Cancel()
	if err := t.topic.Close(); err != nil {
		return err
	}
	return t.host.Close()
}
