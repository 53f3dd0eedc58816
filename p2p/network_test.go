package p2p

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"orechain/chain"
	"orechain/peerdb"
)

func TestRunRequiresBind(t *testing.T) {
	db, err := peerdb.Open(filepath.Join(t.TempDir(), "peers"), testKeyExpire)
	if err != nil {
		t.Fatalf("open peerdb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	factory := func(id SessionID, remoteAddr string, outbound bool) Conversation {
		return &fakeConversation{outbound: outbound, authenticated: true, lastContact: time.Now()}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := New(logger, Options{}, testBurnchain(), db, newFakeIO(), factory)
	if err != nil {
		t.Fatalf("build network: %v", err)
	}

	view := testView(5, 1)
	if _, err := n.Run(newFakeSortDB(view), newFakeBlockStore(), newFakeMempool(), nil, false, 0, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Bind, got %v", err)
	}
}

// A push whose sortition is still unknown buffers in one cycle and resolves
// through replay once the burnchain tip advances and the sortition exists.
func TestRunBuffersThenReplaysOnTipAdvance(t *testing.T) {
	n, fio, _ := newTestNetwork(t, Options{PublicAddr: "203.0.113.7", PublicPort: 20444})
	conv := addTestPeer(t, n, 1, "10.9.0.1", 7000, true)

	ch := testConsensusHash(0x5A)
	bh := testBlockHash(0x5B)
	conv.inbox = []*Message{{Kind: KindBlocksData, BlocksData: &BlocksPayload{Blocks: []BlockEntry{
		{ConsensusHash: ch, Block: chain.Block{Hash: bh}},
	}}}}
	fio.polls = []*PollResult{{Ready: []SessionID{1}}}

	sortdb := newFakeSortDB(testView(10, 1))
	blocks := newFakeBlockStore()
	mempool := newFakeMempool()

	res, err := n.Run(sortdb, blocks, mempool, nil, false, 0, nil)
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if len(res.PushedBlocks) != 0 {
		t.Fatalf("unknown sortition must not be accepted yet")
	}
	if n.numBuffered() != 1 {
		t.Fatalf("expected the push buffered, got %d", n.numBuffered())
	}

	// The tip advances and the sortition shows up.
	sortdb.view.BurnBlockHash[0] = 2
	sortdb.sortitions[ch] = &chain.Sortition{
		ConsensusHash:    ch,
		BurnHeight:       9,
		WinningBlockHash: bh,
		PoxValid:         true,
	}

	res, err = n.Run(sortdb, blocks, mempool, nil, false, 0, nil)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(res.PushedBlocks[conv.identity]) != 1 {
		t.Fatalf("expected the buffered push accepted on replay")
	}
	if n.numBuffered() != 0 {
		t.Fatalf("buffer should drain on replay, %d remain", n.numBuffered())
	}
}

func TestRunTearsDownSessionOnRecvError(t *testing.T) {
	n, fio, _ := newTestNetwork(t, Options{PublicAddr: "203.0.113.7", PublicPort: 20444})
	conv := addTestPeer(t, n, 1, "10.9.0.2", 7000, true)
	conv.recvErr = errors.New("connection reset")
	fio.polls = []*PollResult{{Ready: []SessionID{1}}}

	sortdb := newFakeSortDB(testView(3, 1))
	if _, err := n.Run(sortdb, newFakeBlockStore(), newFakeMempool(), nil, false, 0, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, live := n.peers[1]; live {
		t.Fatalf("transport failure should deregister the session")
	}
}

func TestRunBansSessionOnProtocolViolation(t *testing.T) {
	n, fio, _ := newTestNetwork(t, Options{PublicAddr: "203.0.113.7", PublicPort: 20444})
	conv := addTestPeer(t, n, 1, "10.9.0.3", 7000, true)
	conv.recvErr = ErrInvalidMessage
	fio.polls = []*PollResult{{Ready: []SessionID{1}}}

	sortdb := newFakeSortDB(testView(3, 1))
	if _, err := n.Run(sortdb, newFakeBlockStore(), newFakeMempool(), nil, false, 0, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, live := n.peers[1]; live {
		t.Fatalf("protocol violation should cost the session")
	}
	if _, denied := n.db.Get(conv.identity.NetworkID, conv.identity.Addr, conv.identity.Port); denied != nil {
		t.Fatalf("banned peer should have a deny entry: %v", denied)
	}
}

func TestRelayableDigest(t *testing.T) {
	avail := availabilityMsg(KindBlocksAvailable, testConsensusHash(1))
	d1, ok := relayableDigest(avail)
	if !ok {
		t.Fatalf("availability messages are relayable")
	}
	d2, _ := relayableDigest(availabilityMsg(KindBlocksAvailable, testConsensusHash(1)))
	if d1 != d2 {
		t.Fatalf("equal payloads must share a digest")
	}
	d3, _ := relayableDigest(availabilityMsg(KindBlocksAvailable, testConsensusHash(2)))
	if d1 == d3 {
		t.Fatalf("different payloads must not collide")
	}

	if _, ok := relayableDigest(&Message{Kind: KindPing, Ping: &PingPayload{}}); ok {
		t.Fatalf("control messages are not relayable")
	}
}
