package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pimbroker/broker/internal/wire"
)

// stubServer accepts one connection, sends Hello, then echoes an OK
// response for every command it receives, tagging the response to match.
// When release is non-nil, no response is sent until release is closed.
func stubServer(t *testing.T, ln net.Listener, release <-chan struct{}) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	wr := wire.NewWriter(conn)
	rd := wire.NewReader(conn)
	if err := wr.Serialize(wire.NewHello("broker", "ready", 1, 1)); err != nil {
		t.Errorf("server hello: %v", err)
		return
	}
	for {
		cmd, err := rd.Deserialize()
		if err != nil {
			return
		}
		if release != nil {
			<-release
		}
		resp := wire.NewResponse(cmd.Tag, wire.StatusOK, "")
		resp = resp.WithField("revision", wire.Int64(int64(cmd.Tag)))
		if err := wr.Serialize(resp); err != nil {
			return
		}
	}
}

func TestSendReceivesResponseWithIncreasingTags(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go stubServer(t, ln, nil)

	s := New(Config{Address: ln.Addr().String(), MaxInFlight: 4}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	job1, err := s.Send(ctx, wire.Command{Type: wire.CmdItemFetch})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	job2, err := s.Send(ctx, wire.Command{Type: wire.CmdItemFetch})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if job2.Tag <= job1.Tag {
		t.Fatalf("expected increasing tags, got %d then %d", job1.Tag, job2.Tag)
	}

	resp1, err := job1.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait job1: %v", err)
	}
	status, _ := resp1.Get("status")
	if status.I != int64(wire.StatusOK) {
		t.Fatalf("expected OK, got %v", status.I)
	}

	if _, err := job2.Wait(ctx); err != nil {
		t.Fatalf("Wait job2: %v", err)
	}
	if s.Revision() == 0 {
		t.Fatalf("expected revision to be propagated from responses")
	}
}

func TestMaxInFlightBlocksUntilSlotFrees(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	release := make(chan struct{})
	go stubServer(t, ln, release)

	s := New(Config{Address: ln.Addr().String(), MaxInFlight: 1}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	job1, err := s.Send(ctx, wire.Command{Type: wire.CmdItemFetch})
	if err != nil {
		t.Fatalf("Send 1: %v", err)
	}

	sendDone := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, wire.Command{Type: wire.CmdItemFetch})
		sendDone <- err
	}()

	select {
	case <-sendDone:
		t.Fatalf("second Send should have blocked while MaxInFlight=1 job is outstanding")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if _, err := job1.Wait(ctx); err != nil {
		t.Fatalf("Wait job1: %v", err)
	}

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("second Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second Send never unblocked after first job completed")
	}
}
