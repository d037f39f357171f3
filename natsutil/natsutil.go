// Package natsutil connects reviewd to NATS, starting an embedded
// JetStream-enabled server when no external URL is configured.
package natsutil

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn bundles the NATS connection with the server it may own.
type Conn struct {
	// Server is non-nil only in embedded mode.
	Server *server.Server
	NC     *nats.Conn
	JS     jetstream.JetStream
}

// Connect dials an external NATS server and opens a JetStream context.
func Connect(url string) (*Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("reviewd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Conn{NC: nc, JS: js}, nil
}

// StartEmbedded starts an in-process JetStream-enabled NATS server on a
// random port and connects to it. storeDir may be empty for a temp dir.
func StartEmbedded(storeDir string) (*Conn, error) {
	opts := &server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	// Wait for server to be ready
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Conn{Server: ns, NC: nc, JS: js}, nil
}

// Close drains the connection and shuts down the embedded server, if any.
func (c *Conn) Close() {
	if c.NC != nil {
		_ = c.NC.Drain()
		c.NC.Close()
	}
	if c.Server != nil {
		c.Server.Shutdown()
		c.Server.WaitForShutdown()
	}
}
