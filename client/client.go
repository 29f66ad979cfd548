// Package client connects a call registry to the relay server.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"ringlink/call"
	"ringlink/media"
	"ringlink/pkg/socket"
	"ringlink/types/envelope"
)

const wsPath = "/ws"

// ErrNotConnected is returned when the client has no open connection.
var ErrNotConnected = errors.New("client is not connected")

// Client dials the relay, registers the user identity and feeds inbound
// envelopes into the call registry. It is the registry's sender for
// outbound envelopes.
type Client struct {
	userID    string
	serverURL string
	registry  *call.Registry

	mu      sync.Mutex
	sock    socket.Socket
	connRef string
}

// New creates a new Client. notify receives a snapshot after every call
// state change.
func New(serverURL, userID string, config call.Config, factory media.Factory, notify func(call.Snapshot)) *Client {
	c := &Client{
		userID:    userID,
		serverURL: serverURL,
	}
	c.registry = call.NewRegistry(config, c, factory, notify)
	return c
}

// Connect dials the relay and performs the register handshake. The reply
// carries the connection ref assigned by the relay.
func (c *Client) Connect() error {
	sock, err := socket.Dial(c.serverURL, wsPath)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	env, err := envelope.New(envelope.REGISTER, "", "", envelope.Register{UserID: c.userID})
	if err != nil {
		_ = sock.Close()
		return err
	}
	if err := sock.WriteJSON(env); err != nil {
		_ = sock.Close()
		return fmt.Errorf("failed to send register: %w", err)
	}
	var res envelope.Envelope
	if err := sock.ReadJSON(&res); err != nil {
		_ = sock.Close()
		return fmt.Errorf("failed to read register reply: %w", err)
	}
	if res.Type != envelope.REGISTER || res.From == "" {
		_ = sock.Close()
		return fmt.Errorf("unexpected register reply type '%s'", res.Type)
	}

	c.mu.Lock()
	c.sock = sock
	c.connRef = res.From
	c.mu.Unlock()

	go c.receive(sock)
	return nil
}

// Send writes the envelope to the relay. It implements call.Sender.
func (c *Client) Send(env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return ErrNotConnected
	}
	return c.sock.WriteJSON(env)
}

// Call starts an outgoing call to the remote user.
func (c *Client) Call(remoteID, kind string) (*call.Session, error) {
	c.mu.Lock()
	connected := c.sock != nil
	c.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}
	return c.registry.Initiate(c.userID, remoteID, kind)
}

// Session returns the current call session, if any.
func (c *Client) Session() (*call.Session, bool) {
	return c.registry.Get(c.userID)
}

// ConnRef returns the connection ref assigned by the relay.
func (c *Client) ConnRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connRef
}

// Close closes the connection to the relay.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	c.sock = nil
	return err
}

func (c *Client) receive(sock socket.Socket) {
	for {
		var env envelope.Envelope
		if err := sock.ReadJSON(&env); err != nil {
			log.Debug().Str("module", "client").Err(err).Msg("connection closed")
			return
		}
		c.registry.Dispatch(c.userID, env)
	}
}
