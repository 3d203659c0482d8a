package socket

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"renki.org/internal/auth"
	"renki.org/internal/ticket"
)

type env struct {
	srv    *Server
	keys   *auth.KeyService
	users  *auth.MemStore
	ledger ticket.Service
	stream *ticket.Stream
	cancel context.CancelFunc
}

func startServer(t *testing.T, opts ...ServerOption) *env {
	t.Helper()

	users := auth.NewMemStore()
	keys, err := auth.NewKeyService(auth.NewMemKeyStore(), users, "test-secret")
	if err != nil {
		t.Fatalf("NewKeyService: %v", err)
	}
	stream := ticket.NewStream()
	ledger := ticket.NewInMemory().WithStream(stream)

	opts = append([]ServerOption{WithReadTimeout(200 * time.Millisecond)}, opts...)
	srv := NewServer("127.0.0.1:0", DefaultHandlers(keys, ledger), opts...)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	go srv.WatchStream(ctx, stream)

	t.Cleanup(func() {
		srv.Stop()
		cancel()
	})
	return &env{srv: srv, keys: keys, users: users, ledger: ledger, stream: stream, cancel: cancel}
}

func (e *env) issueKey(t *testing.T) string {
	t.Helper()
	u, err := e.users.CreateUser(context.Background(), "peer", "x", false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	raw, err := e.keys.Issue(context.Background(), u.ID, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return raw
}

func dialTest(t *testing.T, e *env) *Client {
	t.Helper()
	c, err := Dial(context.Background(), e.srv.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEmptyMessageIgnored(t *testing.T) {
	e := startServer(t)
	c := dialTest(t, e)

	if err := c.SendRaw([]byte("  \n  ")); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	if _, err := c.Recv(400 * time.Millisecond); err != ErrTimeout {
		t.Fatalf("whitespace must produce no response, got err=%v", err)
	}

	// The connection is still alive and speaks protocol.
	resp, err := c.Request(TypeHello, map[string]any{"key": "bogus"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Request after keepalive: %v", err)
	}
	if typ, _ := coerceID(resp["type"]); MsgType(typ) != TypeError {
		t.Fatalf("expected ERROR for bogus key, got %v", resp)
	}
}

func TestMalformedJSONAnsweredWithoutID(t *testing.T) {
	e := startServer(t)
	c := dialTest(t, e)

	if err := c.SendRaw([]byte("not json")); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	resp, err := c.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if typ, _ := coerceID(resp["type"]); MsgType(typ) != TypeError {
		t.Fatalf("expected ERROR, got %v", resp)
	}
	if _, present := resp["id"]; present {
		t.Fatalf("error for unparseable message must carry no id: %v", resp)
	}
}

func TestUnknownTypeRejectedConnectionSurvives(t *testing.T) {
	e := startServer(t)
	c := dialTest(t, e)

	if err := c.SendRaw([]byte(`{"id": 7, "type": 999999}`)); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	resp, err := c.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if typ, _ := coerceID(resp["type"]); MsgType(typ) != TypeError {
		t.Fatalf("expected ERROR, got %v", resp)
	}
	if id, ok := coerceID(resp["id"]); !ok || id != 7 {
		t.Fatalf("error must echo the known id: %v", resp)
	}
	if resp["reason"] != "Unknown message type" {
		t.Fatalf("unexpected reason: %v", resp["reason"])
	}

	// A valid HELLO on the same connection still succeeds.
	key := e.issueKey(t)
	if err := c.Hello(key, "srv-1", 2*time.Second); err != nil {
		t.Fatalf("Hello after protocol error: %v", err)
	}
}

func TestNopProducesNoResponse(t *testing.T) {
	e := startServer(t)
	c := dialTest(t, e)

	if _, err := c.Send(TypeNOP, nil); err != nil {
		t.Fatalf("Send NOP: %v", err)
	}
	if _, err := c.Recv(500 * time.Millisecond); err != ErrTimeout {
		t.Fatalf("NOP must be silent, got err=%v", err)
	}
}

func TestMissingIDAndType(t *testing.T) {
	e := startServer(t)
	c := dialTest(t, e)

	if err := c.SendRaw([]byte(`{"type": 99}`)); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	resp, err := c.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, present := resp["id"]; present {
		t.Fatalf("missing id must not be echoed: %v", resp)
	}

	if err := c.SendRaw([]byte(`{"id": 4}`)); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	resp, err = c.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if id, ok := coerceID(resp["id"]); !ok || id != 4 {
		t.Fatalf("missing type must be keyed to the known id: %v", resp)
	}
}

func TestStringIDCoerced(t *testing.T) {
	e := startServer(t)
	c := dialTest(t, e)

	// ACL has no registered handler and falls through to the default ack.
	if err := c.SendRaw([]byte(`{"id": "12", "type": 4}`)); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	resp, err := c.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if typ, _ := coerceID(resp["type"]); MsgType(typ) != TypeOK {
		t.Fatalf("expected OK, got %v", resp)
	}
	if id, ok := coerceID(resp["id"]); !ok || id != 12 {
		t.Fatalf("coerced id not echoed: %v", resp)
	}
}

func TestHelloRejectionCarriesNoReason(t *testing.T) {
	e := startServer(t)
	c := dialTest(t, e)

	resp, err := c.Request(TypeHello, map[string]any{"key": "wrong"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if typ, _ := coerceID(resp["type"]); MsgType(typ) != TypeError {
		t.Fatalf("expected ERROR, got %v", resp)
	}
	if _, present := resp["reason"]; present {
		t.Fatalf("handshake failure must not leak a reason: %v", resp)
	}
}

func TestTicketPushAndAcknowledge(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()

	sg, _ := e.ledger.CreateServiceGroup(ctx, "mail", "mail")
	srv, _ := e.ledger.AddServer(ctx, sg.ID, "mail1.example.net")

	key := e.issueKey(t)
	c := dialTest(t, e)
	if err := c.Hello(key, srv.ID, 2*time.Second); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	// The ledger publishes to the attached stream, which the server
	// watcher turns into a TICKET push for the matching connection.
	_, tickets, err := e.ledger.RecordChange(ctx, sg.ID, nil, map[string]any{"mailbox": "joe"})
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	push, err := c.Recv(3 * time.Second)
	if err != nil {
		t.Fatalf("waiting for ticket push: %v", err)
	}
	if typ, _ := coerceID(push["type"]); MsgType(typ) != TypeTicket {
		t.Fatalf("expected TICKET push, got %v", push)
	}
	pushID, ok := coerceID(push["id"])
	if !ok {
		t.Fatalf("push without id: %v", push)
	}

	// Echoing OK transitions the queued message to Sent.
	if err := c.AckPush(pushID); err != nil {
		t.Fatalf("AckPush: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		conns := e.srv.Connections()
		if len(conns) == 1 {
			if m := conns[0].Queue().Message(pushID); m != nil && m.State() == StateSent {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("queued message never reached Sent state")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The downstream applies the change and marks the ticket done.
	if err := c.AckTicket(tickets[0].ID, 2*time.Second); err != nil {
		t.Fatalf("AckTicket: %v", err)
	}
	done, err := e.ledger.GetTicket(ctx, tickets[0].ID)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if !done.Done() {
		t.Fatal("ticket not marked done")
	}
}

func TestGracefulShutdownSignalsBeforeJoining(t *testing.T) {
	e := startServer(t)

	const workers = 4
	clients := make([]*Client, 0, workers)
	for i := 0; i < workers; i++ {
		clients = append(clients, dialTest(t, e))
	}
	// Let the accept loop pick everyone up.
	deadline := time.Now().Add(2 * time.Second)
	for len(e.srv.Connections()) < workers {
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d connections tracked", len(e.srv.Connections()), workers)
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	e.srv.Stop()
	elapsed := time.Since(start)

	// Workers are signalled together, so total time is about one poll
	// interval, not workers x interval.
	if elapsed > 1500*time.Millisecond {
		t.Fatalf("shutdown took %v with %d workers", elapsed, workers)
	}
	for i, c := range clients {
		if _, err := c.Recv(2 * time.Second); err == nil || err == ErrTimeout {
			t.Fatalf("client %d: connection should be closed, got err=%v", i, err)
		}
	}
}

// testTLSConfig builds an ephemeral self-signed server certificate.
func testTLSConfig(t *testing.T) (server *tls.Config, client *tls.Config) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "renki-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}

	pool := x509.NewCertPool()
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool.AddCert(parsed)

	return &tls.Config{Certificates: []tls.Certificate{cert}},
		&tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
}

func TestEndToEndOverTLS(t *testing.T) {
	serverTLS, clientTLS := testTLSConfig(t)
	e := startServer(t, WithTLSConfig(serverTLS))

	key := e.issueKey(t)
	c, err := Dial(context.Background(), e.srv.Addr(), clientTLS)
	if err != nil {
		t.Fatalf("Dial TLS: %v", err)
	}
	defer c.Close()

	// HELLO handshake succeeds.
	if err := c.Hello(key, "srv-tls", 3*time.Second); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	// Malformed bytes are answered with an id-less ERROR.
	if err := c.SendRaw([]byte("not json")); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	resp, err := c.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if typ, _ := coerceID(resp["type"]); MsgType(typ) != TypeError {
		t.Fatalf("expected ERROR, got %v", resp)
	}
	if _, present := resp["id"]; present {
		t.Fatalf("unexpected id on parse error: %v", resp)
	}

	// An inbound OK with no pending outbound message gets the default ack.
	resp, err = c.Request(TypeOK, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if typ, _ := coerceID(resp["type"]); MsgType(typ) != TypeOK {
		t.Fatalf("expected OK echo, got %v", resp)
	}
}

func TestPendingBacklogPushedOnHello(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()

	sg, _ := e.ledger.CreateServiceGroup(ctx, "web", "web")
	srv, _ := e.ledger.AddServer(ctx, sg.ID, "web1.example.net")

	// Recorded while the server is offline: the stream event has nowhere
	// to go, the durable pending queue is what survives to reconnect.
	_, tickets, err := e.ledger.RecordChange(ctx, sg.ID, nil, map[string]any{"vhost": "example.net"})
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	key := e.issueKey(t)
	c := dialTest(t, e)
	if err := c.Hello(key, srv.ID, 2*time.Second); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	push, err := c.Recv(3 * time.Second)
	if err != nil {
		t.Fatalf("waiting for backlog push: %v", err)
	}
	if typ, _ := coerceID(push["type"]); MsgType(typ) != TypeTicket {
		t.Fatalf("expected TICKET push, got %v", push)
	}
	body, _ := push["ticket"].(map[string]any)
	if body == nil || body["id"] != tickets[0].ID {
		t.Fatalf("pushed %v, want ticket %s", push, tickets[0].ID)
	}
}

func TestStopSignalsWorkerRegisteredDuringShutdown(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	c := newConn(server, nil, 50*time.Millisecond)

	// Interleaving under test: Stop marks the token and takes its
	// signalling snapshot before the accept loop registers the worker.
	srv.stop.Stop()
	srv.registry.SignalAll()

	srv.track(c)
	if !c.stop.Stopped() {
		t.Fatal("worker registered during shutdown was never signalled")
	}
}

func TestFractionalIDRejected(t *testing.T) {
	e := startServer(t)
	c := dialTest(t, e)

	if err := c.SendRaw([]byte(`{"id":7.5,"type":4}`)); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	resp, err := c.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if typ, _ := coerceID(resp["type"]); MsgType(typ) != TypeError {
		t.Fatalf("expected ERROR, got %v", resp)
	}
	if reason, _ := resp["reason"].(string); reason != "Invalid or missing id" {
		t.Fatalf("unexpected reason: %v", resp)
	}
	if _, present := resp["id"]; present {
		t.Fatalf("a truncated id must not be echoed: %v", resp)
	}
}
