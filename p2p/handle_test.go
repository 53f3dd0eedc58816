package p2p

import (
	"errors"
	"testing"
	"time"

	"orechain/chain"
)

func TestHandleSaturationAndShutdown(t *testing.T) {
	n, _, _ := newTestNetwork(t, Options{HandleBufferSize: 1})
	h := n.NewHandle()

	if err := h.Ban(nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := h.Ban(nil); !errors.Is(err, ErrFullHandle) {
		t.Fatalf("expected ErrFullHandle on the saturated channel, got %v", err)
	}

	if err := n.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := h.Ban(nil); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle after shutdown, got %v", err)
	}
}

func TestHandleNeverBlocks(t *testing.T) {
	n, _, _ := newTestNetwork(t, Options{HandleBufferSize: 2})
	h := n.NewHandle()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = h.Broadcast(nil, &Message{Kind: KindPing, Ping: &PingPayload{}})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handle calls must return without a consumer")
	}
}

func TestDispatchBanRequest(t *testing.T) {
	n, _, db := newTestNetwork(t, Options{})
	conv := addTestPeer(t, n, 1, "10.5.0.1", 7000, false)
	offline := testIdentity(n, "10.5.0.2", 7000)

	h := n.NewHandle()
	if err := h.Ban([]PeerIdentity{conv.identity, offline}); err != nil {
		t.Fatalf("ban request: %v", err)
	}
	n.dispatchRequests()

	if _, marked := n.banSet[1]; !marked {
		t.Fatalf("connected peer should be marked for the next ban pass")
	}
	if !db.IsDenied(offline.NetworkID, offline.Addr, offline.Port, time.Now()) {
		t.Fatalf("offline peer should be denied immediately")
	}
}

func TestDispatchAdvertizeBroadcasts(t *testing.T) {
	n, _, _ := newTestNetwork(t, Options{})
	addTestPeer(t, n, 1, "10.5.0.3", 7000, true)

	h := n.NewHandle()
	available := map[chain.ConsensusHash]chain.BlockHash{
		testConsensusHash(1): testBlockHash(1),
	}
	if err := h.AdvertizeBlocks(available); err != nil {
		t.Fatalf("advertize: %v", err)
	}
	n.dispatchRequests()

	queue := n.pendingOutbox[1]
	if len(queue) != 1 || queue[0].Kind != KindBlocksAvailable {
		t.Fatalf("expected a queued availability broadcast, got %v", queue)
	}
}

func TestDispatchRelayToPeer(t *testing.T) {
	n, _, _ := newTestNetwork(t, Options{})
	conv := addTestPeer(t, n, 1, "10.5.0.4", 7000, true)

	h := n.NewHandle()
	msg := &Message{Kind: KindTransaction, Transaction: &chain.Transaction{}}
	if err := h.Relay(conv.identity, msg); err != nil {
		t.Fatalf("relay request: %v", err)
	}
	n.dispatchRequests()

	if len(n.pendingOutbox[1]) != 1 || n.pendingOutbox[1][0].Kind != KindTransaction {
		t.Fatalf("expected the relayed message queued for session 1")
	}
}

func TestRelayToUnknownPeerFails(t *testing.T) {
	n, _, _ := newTestNetwork(t, Options{})
	req := networkRequest{
		kind:    reqRelay,
		relayTo: testIdentity(n, "10.5.0.5", 7000),
		message: &Message{Kind: KindPing, Ping: &PingPayload{}},
	}
	if err := n.executeRequest(&req); !errors.Is(err, ErrPeerNotConnected) {
		t.Fatalf("expected ErrPeerNotConnected, got %v", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	n, fio, _ := newTestNetwork(t, Options{})
	addTestPeer(t, n, 1, "10.5.0.6", 7000, true)

	if err := n.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := n.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if !fio.closed {
		t.Fatalf("poller should be closed")
	}
	if len(n.peers) != 0 {
		t.Fatalf("all sessions should be torn down")
	}
}
