package daemon

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nyxnet/nyx/internal/noise"
	"github.com/nyxnet/nyx/internal/session"
	"github.com/nyxnet/nyx/internal/transport"
)

type sessionHandle struct {
	sess *session.Session
	err  error
}

// fakeStream adapts a net.Conn half of an in-memory pipe to transport.Stream.
type fakeStream struct{ net.Conn }

func (fakeStream) StreamID() uint64  { return 0 }
func (fakeStream) CloseWrite() error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

// fakePeerConn is a minimal transport.PeerConn backed by net.Pipe, letting
// link_test.go drive clientHandshake/serverHandshake without a real QUIC
// listener. Both ends of a pair share the same newStream channel: OpenStream
// creates a pipe and hands the remote half to the peer's AcceptStream.
type fakePeerConn struct {
	newStream chan net.Conn
	isDialer  bool
}

func newFakePeerConnPair() (client, server *fakePeerConn) {
	ch := make(chan net.Conn, 4)
	return &fakePeerConn{newStream: ch, isDialer: true}, &fakePeerConn{newStream: ch, isDialer: false}
}

func (f *fakePeerConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	local, remote := net.Pipe()
	f.newStream <- remote
	return fakeStream{local}, nil
}

func (f *fakePeerConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case c := <-f.newStream:
		return fakeStream{c}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakePeerConn) Close() error                          { return nil }
func (f *fakePeerConn) LocalAddr() net.Addr                   { return fakeAddr{} }
func (f *fakePeerConn) RemoteAddr() net.Addr                  { return fakeAddr{} }
func (f *fakePeerConn) IsDialer() bool                        { return f.isDialer }
func (f *fakePeerConn) TransportType() transport.TransportType { return transport.TransportQUIC }

func TestClientServerHandshakeRoundTrip(t *testing.T) {
	client, server := newFakePeerConnPair()

	clientStatic, err := noise.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	serverStatic, err := noise.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var clientSess, serverSess *sessionHandle
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess, err := clientHandshake(ctx, client, clientStatic)
		clientSess = &sessionHandle{sess, err}
	}()
	go func() {
		defer wg.Done()
		s, err := server.AcceptStream(ctx)
		if err != nil {
			serverSess = &sessionHandle{nil, err}
			return
		}
		defer s.Close()
		sess, err := serverHandshake(s, serverStatic)
		serverSess = &sessionHandle{sess, err}
	}()
	wg.Wait()

	if clientSess.err != nil {
		t.Fatalf("clientHandshake: %v", clientSess.err)
	}
	if serverSess.err != nil {
		t.Fatalf("serverHandshake: %v", serverSess.err)
	}

	if clientSess.sess.RemoteStatic() != serverStatic.Public {
		t.Fatal("client session did not learn the server's static key")
	}
	if serverSess.sess.RemoteStatic() != clientStatic.Public {
		t.Fatal("server session did not learn the client's static key")
	}

	plaintext := []byte("onion-cell-payload")
	ciphertext, err := clientSess.sess.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := serverSess.sess.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestWriteReadFramedRoundTrip(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	msg := []byte("handshake message body")
	go func() {
		if err := writeFramed(local, msg); err != nil {
			t.Errorf("writeFramed: %v", err)
		}
	}()

	got, err := readFramed(remote)
	if err != nil {
		t.Fatalf("readFramed: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}
