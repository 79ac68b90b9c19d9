package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/postalsys/hybridwire/internal/chaos"
	"github.com/postalsys/hybridwire/internal/client"
)

func TestServe_FaultyConnections(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping fault injection test in short mode")
	}

	srv, err := New(serverConfig(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	inj := chaos.NewFaultInjector(42,
		chaos.FaultConfig{Type: chaos.FaultDisconnect, Probability: 0.02},
		chaos.FaultConfig{Type: chaos.FaultDelay, Probability: 0.2, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	)
	go srv.Serve(context.Background(), chaos.WrapListener(ln, inj))

	go func() {
		for {
			in, err := srv.ReceiveMessage(context.Background())
			if err != nil {
				return
			}
			srv.SendReplyTo(in.ConnID, in.Payload)
		}
	}()

	call := func(i int) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c, err := client.New(clientConfig(ln.Addr().String()), client.Options{})
		if err != nil {
			return err
		}
		defer c.Disconnect()
		if err := c.Connect(ctx); err != nil {
			return err
		}
		payload := []byte(fmt.Sprintf("request-%d", i))
		reply, err := c.SendMessage(ctx, payload)
		if err != nil {
			return err
		}
		if !bytes.Equal(reply, payload) {
			t.Errorf("reply = %q, want %q", reply, payload)
		}
		return nil
	}

	var ok, failed int
	for i := 0; i < 40; i++ {
		if err := call(i); err != nil {
			failed++
			continue
		}
		ok++
	}
	if ok == 0 {
		t.Fatalf("no call succeeded (%d failed)", failed)
	}
	t.Logf("%d ok, %d failed, faults %v", ok, failed, inj.Stats())

	// With faults off the server is still fully usable.
	inj.Disable()
	if err := call(1000); err != nil {
		t.Fatalf("call after faults disabled: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Registry().Len() = %d, want 0 after all clients left", srv.Registry().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
