package p2p

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"orechain/chain"
	"orechain/crypto"
)

func staticView(view chain.BurnchainView) func() chain.BurnchainView {
	return func() chain.BurnchainView { return view }
}

func newJSONPeer(t *testing.T, burnchain chain.Burnchain, key *crypto.PrivateKey, outbound bool) *JSONConversation {
	t.Helper()
	factory := NewJSONConversationFactory(burnchain, key, staticView(testView(2, 1)), time.Minute)
	conv, ok := factory(1, "10.0.0.9:7000", outbound).(*JSONConversation)
	if !ok {
		t.Fatalf("factory should produce JSON conversations")
	}
	return conv
}

func sealFrom(t *testing.T, conv *JSONConversation, key *crypto.PrivateKey, msg *Message) []byte {
	t.Helper()
	signed, err := conv.Sign(testView(2, 1), key, msg)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return bytes.TrimSpace(signed.Data)
}

func TestFactoryOutboundQueuesHandshake(t *testing.T) {
	key := mustKey(t)
	out := newJSONPeer(t, testBurnchain(), key, true)
	if len(out.pending) != 1 {
		t.Fatalf("outbound conversations open with a handshake, pending=%d", len(out.pending))
	}

	in := newJSONPeer(t, testBurnchain(), key, false)
	if len(in.pending) != 0 {
		t.Fatalf("inbound conversations wait for the remote handshake")
	}
	if in.identity.Addr != "10.0.0.9" || in.identity.Port != 7000 {
		t.Fatalf("identity should come from the remote address, got %s", in.identity)
	}
}

func TestHandshakeAuthenticatesAndQueuesAccept(t *testing.T) {
	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)
	remoteKey := mustKey(t)
	remote := newJSONPeer(t, testBurnchain(), remoteKey, false)

	line := sealFrom(t, remote, remoteKey, &Message{Kind: KindHandshake})
	msg, err := local.decodeEnvelope(line)
	if err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if msg != nil {
		t.Fatalf("handshakes are consumed internally")
	}
	if !local.IsAuthenticated() {
		t.Fatalf("handshake should authenticate the session")
	}
	pub, ok := local.PublicKey()
	if !ok || pub.Hash() != remoteKey.PubKey().Hash() {
		t.Fatalf("remote key should be pinned")
	}
	if len(local.pending) != 1 {
		t.Fatalf("expected a queued handshake accept")
	}
}

func TestUnauthenticatedDataRejected(t *testing.T) {
	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)
	remoteKey := mustKey(t)
	remote := newJSONPeer(t, testBurnchain(), remoteKey, false)

	line := sealFrom(t, remote, remoteKey, availabilityMsg(KindBlocksAvailable, testConsensusHash(1)))
	if _, err := local.decodeEnvelope(line); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("data before the handshake must be rejected, got %v", err)
	}
}

func TestNetworkIDMismatchRejected(t *testing.T) {
	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)

	other := testBurnchain()
	other.NetworkID = 0x99999999
	remoteKey := mustKey(t)
	remote := newJSONPeer(t, other, remoteKey, false)

	line := sealFrom(t, remote, remoteKey, &Message{Kind: KindHandshake})
	if _, err := local.decodeEnvelope(line); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("foreign network IDs must be rejected, got %v", err)
	}
}

func TestTamperedEnvelopeRejected(t *testing.T) {
	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)
	remoteKey := mustKey(t)
	remote := newJSONPeer(t, testBurnchain(), remoteKey, false)

	line := sealFrom(t, remote, remoteKey, &Message{Kind: KindHandshake})
	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	env.Message.Preamble.SeqNum++
	tampered, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := local.decodeEnvelope(tampered); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("a body not covered by the signature must be rejected, got %v", err)
	}
}

func TestPinnedKeyCannotChange(t *testing.T) {
	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)
	firstKey := mustKey(t)
	remote := newJSONPeer(t, testBurnchain(), firstKey, false)

	if _, err := local.decodeEnvelope(sealFrom(t, remote, firstKey, &Message{Kind: KindHandshake})); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	secondKey := mustKey(t)
	line := sealFrom(t, remote, secondKey, availabilityMsg(KindBlocksAvailable, testConsensusHash(1)))
	if _, err := local.decodeEnvelope(line); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("a different key on a pinned session must be rejected, got %v", err)
	}
}

func TestSignStampsPreamble(t *testing.T) {
	key := mustKey(t)
	conv := newJSONPeer(t, testBurnchain(), key, false)
	view := testView(9, 1)

	signed, err := conv.Sign(view, key, &Message{Kind: KindPing, Ping: &PingPayload{Nonce: 1}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(signed.Data), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pre := env.Message.Preamble
	if pre.NetworkID != testBurnchain().NetworkID {
		t.Fatalf("wrong network ID %x", pre.NetworkID)
	}
	if pre.BurnBlockHeight != 9 || pre.StableBurnBlockHeight != 9 {
		t.Fatalf("view heights not stamped: %+v", pre)
	}
	want, _ := view.ConsensusHashAt(9)
	if pre.BurnConsensusHash != want {
		t.Fatalf("tip consensus hash not stamped")
	}

	second, err := conv.Sign(view, key, &Message{Kind: KindPing, Ping: &PingPayload{Nonce: 2}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var env2 wireEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(second.Data), &env2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env2.Message.Preamble.SeqNum != pre.SeqNum+1 {
		t.Fatalf("sequence numbers must increase per message")
	}
}

func TestSignRelayAppendsSelfHint(t *testing.T) {
	key := mustKey(t)
	conv := newJSONPeer(t, testBurnchain(), key, false)
	upstream := RelayHint{PublicKeyHash: mustKey(t).PubKey().Hash()}

	signed, err := conv.SignRelay(testView(2, 1), key, []RelayHint{upstream}, availabilityMsg(KindBlocksAvailable, testConsensusHash(1)))
	if err != nil {
		t.Fatalf("sign relay: %v", err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(signed.Data), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	hints := env.Message.RelayHints
	if len(hints) != 2 {
		t.Fatalf("expected upstream hint plus our own, got %d", len(hints))
	}
	if hints[0] != upstream || hints[1].PublicKeyHash != key.PubKey().Hash() {
		t.Fatalf("hint chain out of order: %v", hints)
	}
}

func TestRehandshakeMovesPinnedKey(t *testing.T) {
	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)
	oldKey := mustKey(t)
	remote := newJSONPeer(t, testBurnchain(), oldKey, false)

	if _, err := local.decodeEnvelope(sealFrom(t, remote, oldKey, &Message{Kind: KindHandshake})); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// Key rotation: a re-handshake signed with the still-pinned old key
	// names the new one.
	newKey := mustKey(t)
	rehandshake := &Message{Kind: KindHandshake, Handshake: &HandshakeData{
		PublicKey: hex.EncodeToString(newKey.PubKey().Bytes()),
	}}
	if _, err := local.decodeEnvelope(sealFrom(t, remote, oldKey, rehandshake)); err != nil {
		t.Fatalf("re-handshake: %v", err)
	}
	pub, ok := local.PublicKey()
	if !ok || pub.Hash() != newKey.PubKey().Hash() {
		t.Fatalf("pin should move to the replacement key")
	}

	// Traffic under the new key flows; the retired key is rejected.
	data := sealFrom(t, remote, newKey, availabilityMsg(KindBlocksAvailable, testConsensusHash(3)))
	msg, err := local.decodeEnvelope(data)
	if err != nil || msg == nil || msg.Kind != KindBlocksAvailable {
		t.Fatalf("post-rotation traffic must be accepted, got %v err=%v", msg, err)
	}
	stale := sealFrom(t, remote, oldKey, availabilityMsg(KindBlocksAvailable, testConsensusHash(4)))
	if _, err := local.decodeEnvelope(stale); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("the retired key must be rejected, got %v", err)
	}
}

func TestRehandshakeRejectsGarbageKey(t *testing.T) {
	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)
	remoteKey := mustKey(t)
	remote := newJSONPeer(t, testBurnchain(), remoteKey, false)

	bad := &Message{Kind: KindHandshake, Handshake: &HandshakeData{PublicKey: "zz-not-hex"}}
	if _, err := local.decodeEnvelope(sealFrom(t, remote, remoteKey, bad)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("an unparseable replacement key must be rejected, got %v", err)
	}
}

func testConnPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-ch
	if server.err != nil {
		t.Fatalf("accept: %v", server.err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.conn.Close()
	})
	return client, server.conn
}

func TestRecvAndSendOverLoopback(t *testing.T) {
	clientConn, serverConn := testConnPair(t)
	sock := &TCPSocket{conn: serverConn}

	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)
	remoteKey := mustKey(t)
	remote := newJSONPeer(t, testBurnchain(), remoteKey, false)

	handshake := sealFrom(t, remote, remoteKey, &Message{Kind: KindHandshake})
	data := sealFrom(t, remote, remoteKey, availabilityMsg(KindBlocksAvailable, testConsensusHash(7)))
	if _, err := clientConn.Write(append(append(append([]byte{}, handshake...), '\n'), append(data, '\n')...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got []*Message
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(got) == 0 {
		msgs, err := local.Recv(sock)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		got = append(got, msgs...)
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != 1 || got[0].Kind != KindBlocksAvailable {
		t.Fatalf("expected the availability message surfaced, got %v", got)
	}
	if !local.IsAuthenticated() {
		t.Fatalf("handshake should have been consumed")
	}

	// Flushing pending bytes delivers the handshake accept to the remote.
	for i := 0; i < 100 && len(local.pending) > 0; i++ {
		if err := local.Send(sock); err != nil {
			t.Fatalf("send: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(clientConn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read accept: %v", err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(line), &env); err != nil {
		t.Fatalf("unmarshal accept: %v", err)
	}
	if env.Message.Kind != KindHandshakeAccept {
		t.Fatalf("expected a handshake accept, got %s", env.Message.Kind)
	}
}

func TestRecvCapsUnterminatedLines(t *testing.T) {
	clientConn, serverConn := testConnPair(t)
	sock := &TCPSocket{conn: serverConn}

	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)
	local.lineLimit = 1024

	// A peer streaming bytes with no newline must be cut off at the cap,
	// not accumulated indefinitely.
	if _, err := clientConn.Write(bytes.Repeat([]byte{'x'}, 64*1024)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var recvErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && recvErr == nil {
		_, recvErr = local.Recv(sock)
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(recvErr, ErrInvalidMessage) {
		t.Fatalf("an oversized line is a protocol violation, got %v", recvErr)
	}
}

func TestRecvResumesSplitLine(t *testing.T) {
	clientConn, serverConn := testConnPair(t)
	sock := &TCPSocket{conn: serverConn}

	local := newJSONPeer(t, testBurnchain(), mustKey(t), false)
	remoteKey := mustKey(t)
	remote := newJSONPeer(t, testBurnchain(), remoteKey, false)

	line := append(sealFrom(t, remote, remoteKey, &Message{Kind: KindHandshake}), '\n')
	half := len(line) / 2
	if _, err := clientConn.Write(line[:half]); err != nil {
		t.Fatalf("write first half: %v", err)
	}

	// Drain the partial line; nothing should surface and nothing may be
	// lost.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(local.partialLine) == 0 {
		if _, err := local.Recv(sock); err != nil {
			t.Fatalf("recv partial: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if local.IsAuthenticated() {
		t.Fatalf("half a handshake must not authenticate")
	}

	if _, err := clientConn.Write(line[half:]); err != nil {
		t.Fatalf("write second half: %v", err)
	}
	for time.Now().Before(deadline) && !local.IsAuthenticated() {
		if _, err := local.Recv(sock); err != nil {
			t.Fatalf("recv rest: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !local.IsAuthenticated() {
		t.Fatalf("the reassembled handshake should authenticate")
	}
}
