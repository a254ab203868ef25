package session_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gokvd/internal/session"
	"github.com/dantte-lp/gokvd/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// peer drives the far end of a net.Pipe in lockstep with the session under
// test. Reads and writes happen on the test goroutine via helpers.
func newPair(t *testing.T, opts ...session.Option) (*session.Session, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	sess := session.New(local, opts...)
	t.Cleanup(func() {
		sess.End()
		_ = remote.Close()
	})

	return sess, remote
}

// readPacket decodes one full packet from the raw peer side.
func readPacket(t *testing.T, conn net.Conn) wire.Packet {
	t.Helper()

	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := readFull(conn, hdrBuf); err != nil {
		t.Fatalf("read header: %v", err)
	}
	hdr, err := wire.DecodeHeader(hdrBuf)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}

	payload := make([]byte, hdr.PayloadLen)
	if _, err := readFull(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}

	pkt, err := wire.Unmarshal(hdr, payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return pkt
}

// readFull reads exactly len(buf) bytes with a test-friendly deadline.
func readFull(conn net.Conn, buf []byte) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestSendRequestCorrelatesOutOfOrderResponses(t *testing.T) {
	t.Parallel()

	sess, peer := newPair(t)
	sess.StartPolling()

	// Two interleaved requests.
	type sent struct {
		call *session.Call
		err  error
	}
	results := make(chan sent, 2)
	for i := 0; i < 2; i++ {
		go func(key string) {
			call, err := sess.SendRequest(&wire.DataRequest{Key: key})
			results <- sent{call, err}
		}([]string{"first", "second"}[i])
	}

	reqs := make(map[string]uint32, 2)
	calls := make(map[uint32]*session.Call, 2)
	for i := 0; i < 2; i++ {
		pkt := readPacket(t, peer).(*wire.DataRequest)
		reqs[pkt.Key] = pkt.ID()
		r := <-results
		if r.err != nil {
			t.Fatalf("SendRequest: %v", r.err)
		}
		calls[r.call.ID()] = r.call
	}
	if reqs["first"] == reqs["second"] {
		t.Fatalf("both requests share id %d", reqs["first"])
	}

	// Answer in reverse order with distinguishable values.
	for _, key := range []string{"second", "first"} {
		resp := &wire.DataResponse{Status: wire.StatusSuccess, Value: wire.StringValue("val-" + key)}
		resp.SetID(reqs[key])
		if _, err := peer.Write(wire.Marshal(resp)); err != nil {
			t.Fatalf("peer write: %v", err)
		}
	}

	for key, id := range reqs {
		resp, err := calls[id].Await(context.Background())
		if err != nil {
			t.Fatalf("await %q: %v", key, err)
		}
		got := resp.(*wire.DataResponse).Value.AsString()
		if got != "val-"+key {
			t.Fatalf("request %q completed with %q", key, got)
		}
	}
}

func TestEndFailsPendingCallsExactlyOnce(t *testing.T) {
	t.Parallel()

	sess, peer := newPair(t)
	sess.StartPolling()

	calls := make([]*session.Call, 0, 3)
	done := make(chan *session.Call, 3)
	for i := 0; i < 3; i++ {
		go func() {
			call, err := sess.SendRequest(&wire.DataRequest{Key: "k"})
			if err != nil {
				t.Errorf("SendRequest: %v", err)
				done <- nil
				return
			}
			done <- call
		}()
	}
	for i := 0; i < 3; i++ {
		readPacket(t, peer)
		if call := <-done; call != nil {
			calls = append(calls, call)
		}
	}

	sess.End()

	for _, call := range calls {
		if _, err := call.Await(context.Background()); !errors.Is(err, session.ErrSessionEnded) {
			t.Fatalf("Await error = %v, want %v", err, session.ErrSessionEnded)
		}
		// The second observation sees the same, already-terminal outcome.
		if _, err := call.Await(context.Background()); !errors.Is(err, session.ErrSessionEnded) {
			t.Fatalf("second Await error = %v", err)
		}
	}

	// Requests after End fail fast.
	if _, err := sess.SendRequest(&wire.DataRequest{Key: "k"}); !errors.Is(err, session.ErrSessionEnded) {
		t.Fatalf("SendRequest after End error = %v, want %v", err, session.ErrSessionEnded)
	}
}

func TestEndedHandlerFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	endings := make(chan error, 4)
	local, remote := net.Pipe()
	sess := session.New(local, session.WithEndedHandler(func(err error) {
		endings <- err
	}))
	defer remote.Close()

	sess.End()
	sess.End()
	sess.End()

	<-endings
	select {
	case err := <-endings:
		t.Fatalf("ended handler fired twice, second error %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPacketEventFiresAfterCompletion(t *testing.T) {
	t.Parallel()

	var call *session.Call
	ready := make(chan struct{})
	verdict := make(chan bool, 1)

	local, remote := net.Pipe()
	sess := session.New(local, session.WithPacketHandler(func(pkt wire.Packet) {
		<-ready // wait until the test has published the call handle
		select {
		case <-call.Done():
			verdict <- true
		default:
			verdict <- false
		}
	}))
	t.Cleanup(func() {
		sess.End()
		_ = remote.Close()
	})
	sess.StartPolling()

	sent := make(chan error, 1)
	go func() {
		c, err := sess.SendRequest(&wire.DataRequest{Key: "k"})
		call = c
		sent <- err
	}()

	req := readPacket(t, remote)
	if err := <-sent; err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	close(ready)

	resp := &wire.DataResponse{Status: wire.StatusFailure, Err: wire.ErrCodeKeyNotFound}
	resp.SetID(req.ID())
	if _, err := remote.Write(wire.Marshal(resp)); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	if !<-verdict {
		t.Fatal("packet event fired before the call completed")
	}
}

func TestStreamingDecodeAcrossChunks(t *testing.T) {
	t.Parallel()

	packets := make(chan wire.Packet, 1)
	local, remote := net.Pipe()
	sess := session.New(local, session.WithPacketHandler(func(pkt wire.Packet) {
		packets <- pkt
	}))
	t.Cleanup(func() {
		sess.End()
		_ = remote.Close()
	})
	sess.StartPolling()

	raw := wire.Marshal(&wire.DataAdditionRequest{Key: "key", Value: wire.IntValue(7)})

	// Dribble the packet one byte at a time.
	for _, b := range raw {
		if _, err := remote.Write([]byte{b}); err != nil {
			t.Fatalf("peer write: %v", err)
		}
	}

	select {
	case pkt := <-packets:
		add := pkt.(*wire.DataAdditionRequest)
		if add.Key != "key" {
			t.Fatalf("decoded key %q", add.Key)
		}
		if n, err := add.Value.AsInt(); err != nil || n != 7 {
			t.Fatalf("decoded value (%d, %v)", n, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("packet did not arrive")
	}
}

func TestDecodeErrorDoesNotEndSession(t *testing.T) {
	t.Parallel()

	packets := make(chan wire.Packet, 1)
	decodeErrs := make(chan error, 1)
	local, remote := net.Pipe()
	sess := session.New(local,
		session.WithPacketHandler(func(pkt wire.Packet) { packets <- pkt }),
		session.WithDecodeErrorHandler(func(err error) { decodeErrs <- err }),
	)
	t.Cleanup(func() {
		sess.End()
		_ = remote.Close()
	})
	sess.StartPolling()

	// A header with a bad version byte and zero payload, then a valid packet.
	bad := wire.Marshal(&wire.DataRequest{Key: ""})
	bad[0] = 0x7F
	if _, err := remote.Write(bad); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if _, err := remote.Write(wire.Marshal(&wire.DataRequest{Key: "alive"})); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	select {
	case err := <-decodeErrs:
		if !errors.Is(err, wire.ErrVersionMismatch) {
			t.Fatalf("decode error = %v, want %v", err, wire.ErrVersionMismatch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decode error not surfaced")
	}

	select {
	case pkt := <-packets:
		if pkt.(*wire.DataRequest).Key != "alive" {
			t.Fatalf("unexpected packet %v", pkt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session stopped decoding after the malformed packet")
	}

	if sess.Ended() {
		t.Fatal("session ended on a decode error")
	}
}

func TestUnmatchedResponseIsDropped(t *testing.T) {
	t.Parallel()

	packets := make(chan wire.Packet, 1)
	local, remote := net.Pipe()
	sess := session.New(local, session.WithPacketHandler(func(pkt wire.Packet) {
		packets <- pkt
	}))
	t.Cleanup(func() {
		sess.End()
		_ = remote.Close()
	})
	sess.StartPolling()

	resp := &wire.DataResponse{Status: wire.StatusSuccess, Value: wire.BoolValue(true)}
	resp.SetID(9999)
	if _, err := remote.Write(wire.Marshal(resp)); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	// A non-response packet afterwards proves the session kept running.
	if _, err := remote.Write(wire.Marshal(&wire.DataRequest{Key: "next"})); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	select {
	case pkt := <-packets:
		if req, ok := pkt.(*wire.DataRequest); !ok || req.Key != "next" {
			t.Fatalf("got %T %v, want the follow-up request", pkt, pkt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow-up packet not delivered")
	}
}

func TestReceiveBufferOverflowEndsSession(t *testing.T) {
	t.Parallel()

	ended := make(chan error, 1)
	local, remote := net.Pipe()
	sess := session.New(local,
		session.WithMaxBuffer(256),
		session.WithChunkSize(64),
		session.WithEndedHandler(func(err error) { ended <- err }),
	)
	t.Cleanup(func() {
		sess.End()
		_ = remote.Close()
	})
	sess.StartPolling()

	// A declared payload far beyond the cap trips the guard immediately.
	huge := &wire.DataRequest{Key: "k"}
	raw := wire.Marshal(huge)
	raw[6], raw[7], raw[8], raw[9] = 0x00, 0x10, 0x00, 0x00 // 1 MiB declared
	if _, err := remote.Write(raw[:wire.HeaderSize]); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	select {
	case err := <-ended:
		if !errors.Is(err, session.ErrBufferOverflow) {
			t.Fatalf("ended with %v, want %v", err, session.ErrBufferOverflow)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end on overflow")
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	t.Parallel()

	sess, peer := newPair(t)
	sess.StartPolling()

	sent := make(chan *session.Call, 1)
	go func() {
		call, err := sess.SendRequest(&wire.DataRequest{Key: "k"})
		if err != nil {
			t.Errorf("SendRequest: %v", err)
		}
		sent <- call
	}()
	readPacket(t, peer)
	call := <-sent

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := call.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await error = %v, want deadline exceeded", err)
	}
}
