package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"renki.org/internal/socket"
)

func main() {
	addr := os.Getenv("RENKI_SOCKET_ADDR")
	if addr == "" {
		addr = "localhost:7353"
	}
	key := os.Getenv("RENKI_SMOKE_KEY")
	if key == "" {
		log.Fatal("RENKI_SMOKE_KEY is required")
	}
	serverID := os.Getenv("RENKI_SMOKE_SERVER")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := socket.Dial(ctx, addr, nil)
	cancel()
	if err != nil {
		log.Fatalf("dial ticketd at %s: %v", addr, err)
	}
	defer client.Close()

	if err := client.Hello(key, serverID, 5*time.Second); err != nil {
		log.Fatalf("handshake: %v", err)
	}

	// Liveness probe: NOP must be accepted without a reply.
	if _, err := client.Send(socket.TypeNOP, nil); err != nil {
		log.Fatalf("send NOP: %v", err)
	}
	if _, err := client.Recv(time.Second); err != socket.ErrTimeout {
		log.Fatalf("NOP must be silent, got err=%v", err)
	}

	// Protocol error handling: malformed bytes are answered in-band and
	// the connection keeps working.
	if err := client.SendRaw([]byte("not json")); err != nil {
		log.Fatalf("send malformed: %v", err)
	}
	resp, err := client.Recv(5 * time.Second)
	if err != nil {
		log.Fatalf("recv error response: %v", err)
	}
	if t, ok := resp["type"].(float64); !ok || socket.MsgType(t) != socket.TypeError {
		log.Fatalf("expected ERROR response, got %v", resp)
	}

	// The connection survived; drain any pushed tickets for a moment.
	deadline := time.Now().Add(2 * time.Second)
	pushed := 0
	for time.Now().Before(deadline) {
		msg, err := client.Recv(500 * time.Millisecond)
		if err == socket.ErrTimeout {
			continue
		}
		if err != nil {
			log.Fatalf("recv push: %v", err)
		}
		if t, ok := msg["type"].(float64); ok && socket.MsgType(t) == socket.TypeTicket {
			if id, ok := msg["id"].(float64); ok {
				_ = client.AckPush(int64(id))
				pushed++
			}
		}
	}

	fmt.Printf("✅ ticketd smoke test passed: addr=%s pushed_tickets=%d\n", addr, pushed)
}
