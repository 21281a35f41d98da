package ssh

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Dialer opens executor control sessions on agent hosts. Connections are
// cached per host and reused across sessions.
type Dialer struct {
	base *Config

	mu      sync.Mutex
	clients map[string]*SSHClient
}

// NewDialer creates a dialer from a host-less base configuration.
func NewDialer(base *Config) *Dialer {
	return &Dialer{
		base:    base,
		clients: make(map[string]*SSHClient),
	}
}

// OpenSession starts the control command on hostname.
func (d *Dialer) OpenSession(ctx context.Context, hostname string) (io.WriteCloser, io.Reader, func() error, error) {
	client, err := d.client(ctx, hostname)
	if err != nil {
		return nil, nil, nil, err
	}
	stdin, stdout, cleanup, err := client.OpenSession(ctx, d.base.ControlCommand)
	if err != nil {
		// A dead connection is dropped so the next call redials.
		d.drop(hostname, client)
		return nil, nil, nil, err
	}
	return stdin, stdout, cleanup, nil
}

func (d *Dialer) client(ctx context.Context, hostname string) (*SSHClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if client, ok := d.clients[hostname]; ok {
		if client.IsConnected() && client.HealthCheck(ctx) == nil {
			return client, nil
		}
		log.Debug().Str("host", hostname).Msg("cached SSH connection is unhealthy, redialing")
		delete(d.clients, hostname)
		_ = client.Disconnect()
	}

	client, err := NewSSHClient(d.base.ForHost(hostname))
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH client for %s: %w", hostname, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", hostname, err)
	}
	d.clients[hostname] = client
	return client, nil
}

func (d *Dialer) drop(hostname string, client *SSHClient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clients[hostname] == client {
		delete(d.clients, hostname)
		_ = client.Disconnect()
	}
}

// Close disconnects every cached connection.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for host, client := range d.clients {
		if err := client.Disconnect(); err != nil {
			log.Warn().Err(err).Str("host", host).Msg("failed to close SSH connection")
		}
		delete(d.clients, host)
	}
	return nil
}
