package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pimbroker/broker/internal/wire"
)

func pipeConns(t *testing.T) (client, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	return c, s
}

func TestHandleGreetsAndLogsIn(t *testing.T) {
	client, srv := pipeConns(t)
	defer client.Close()

	cfg := Config{ProtocolVersion: 41, ServerName: "broker"}
	conn := New(srv, cfg, nil, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- conn.Handle(context.Background()) }()

	clientRd := wire.NewReader(client)
	hello, err := clientRd.Deserialize()
	if err != nil {
		t.Fatalf("client read hello: %v", err)
	}
	if hello.Type != wire.CmdHello {
		t.Fatalf("expected Hello, got %v", hello.Type)
	}

	clientWr := wire.NewWriter(client)
	if err := clientWr.Serialize(wire.NewLogin(1, []byte("secret"))); err != nil {
		t.Fatalf("client write login: %v", err)
	}
	resp, err := clientRd.Deserialize()
	if err != nil {
		t.Fatalf("client read login response: %v", err)
	}
	status, _ := resp.Get("status")
	if status.I != int64(wire.StatusOK) {
		t.Fatalf("expected StatusOK, got %v", status.I)
	}
	if conn.State() != Authenticated {
		t.Fatalf("expected Authenticated, got %v", conn.State())
	}

	conn.Logout()
	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Handle did not return after client closed")
	}
}

func TestTagMustIncrease(t *testing.T) {
	client, srv := pipeConns(t)
	defer client.Close()

	conn := New(srv, Config{ProtocolVersion: 41, ServerName: "broker"}, nil, nil, nil, nil)
	go conn.Handle(context.Background())

	clientRd := wire.NewReader(client)
	clientWr := wire.NewWriter(client)
	if _, err := clientRd.Deserialize(); err != nil {
		t.Fatalf("hello: %v", err)
	}

	if err := clientWr.Serialize(wire.NewLogin(5, []byte("a"))); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := clientRd.Deserialize(); err != nil {
		t.Fatalf("first response: %v", err)
	}

	if err := clientWr.Serialize(wire.NewLogin(3, []byte("a"))); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	resp, err := clientRd.Deserialize()
	if err != nil {
		t.Fatalf("second response: %v", err)
	}
	status, _ := resp.Get("status")
	if status.I != int64(wire.StatusBAD) {
		t.Fatalf("expected StatusBAD for a non-increasing tag, got %v", status.I)
	}
}
