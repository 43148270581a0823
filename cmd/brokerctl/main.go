// Command brokerctl is a minimal interactive client for exercising a
// running brokerd: it connects, sends a Login command, and prints the
// login response's tag and the session's last reported revision.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pimbroker/broker/client/session"
	"github.com/pimbroker/broker/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:4190", "brokerd address")
	sessionID := flag.String("session", "", "session token to log in with")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	s := session.New(session.Config{Address: *addr}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "brokerctl: connect:", err)
		os.Exit(1)
	}
	defer s.Close()

	job, err := s.Send(ctx, wire.NewLogin(0, []byte(*sessionID)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "brokerctl: send:", err)
		os.Exit(1)
	}
	resp, err := job.Wait(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "brokerctl: login failed:", err)
		os.Exit(1)
	}
	fmt.Printf("login response: tag=%d revision=%d\n", resp.Tag, s.Revision())
}
