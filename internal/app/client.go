package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/rtcomm/internal/auth"
	"github.com/petervdpas/rtcomm/internal/call"
	"github.com/petervdpas/rtcomm/internal/chat"
	"github.com/petervdpas/rtcomm/internal/config"
	"github.com/petervdpas/rtcomm/internal/conn"
	"github.com/petervdpas/rtcomm/internal/events"
	"github.com/petervdpas/rtcomm/internal/media"
	"github.com/petervdpas/rtcomm/internal/proto"
	"github.com/petervdpas/rtcomm/internal/storage"
	"github.com/petervdpas/rtcomm/internal/transport"
	"github.com/petervdpas/rtcomm/internal/util"
)

// Client is one signed-in user: the realtime connection plus the call and
// chat components driven by it.
type Client struct {
	Events  *events.Dispatcher
	Conn    *conn.Manager
	Media   *media.Session
	Calls   *call.Controller
	Chat    *chat.Manager
	History *storage.DB

	peers  *call.PionFactory
	tokens *auth.Settable

	mu        sync.Mutex
	observers map[string][]*events.Listener
}

// NewClient wires every component from cfg. Relative paths in cfg resolve
// against dir, normally the directory holding the config file.
func NewClient(cfg config.Config, dir string) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eps := make([]transport.Endpoint, 0, len(cfg.Server.Endpoints))
	for _, e := range cfg.Server.Endpoints {
		eps = append(eps, transport.Endpoint{URL: e.URL, Codec: e.Codec})
	}
	policy, err := transport.NewPolicy(eps...)
	if err != nil {
		return nil, err
	}

	var capturer media.Capturer
	if cfg.Call.Synthetic {
		capturer = &media.Synthetic{}
	} else if capturer, err = media.NewDefaultCapturer(); err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}

	peers, err := call.NewPionFactory(capturer, iceServers(cfg.Call.ICEServers))
	if err != nil {
		return nil, fmt.Errorf("webrtc: %w", err)
	}

	db, err := storage.Open(util.ResolvePath(dir, cfg.Paths.DataDir))
	if err != nil {
		return nil, err
	}

	c := &Client{
		Events:    events.NewDispatcher(),
		Media:     media.NewSession(capturer),
		History:   db,
		peers:     peers,
		tokens:    &auth.Settable{},
		observers: make(map[string][]*events.Listener),
	}
	c.tokens.Set(cfg.Server.Token)

	c.Conn = conn.New(transport.NewWebsocketDialer(policy), c.Events, conn.Options{
		BaseDelay:   time.Duration(cfg.Reconnect.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Tokens:      c.tokens,
	})

	c.Calls, err = call.New(call.Config{
		Self: proto.Identity{
			ID:     cfg.Identity.UserID,
			Name:   cfg.Identity.Name,
			Avatar: cfg.Identity.Avatar,
		},
		Signaler:   c.Conn,
		Dispatcher: c.Events,
		Media:      c.Media,
		Peers:      peers,
		History:    db,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var store chat.MessageStore
	if cfg.Server.APIURL != "" {
		hs, err := chat.NewHTTPStore(cfg.Server.APIURL, c.tokens)
		if err != nil {
			c.Calls.Close()
			_ = db.Close()
			return nil, err
		}
		store = hs
	}
	c.Chat = chat.New(c.Events, c.Conn, cfg.Identity.UserID, chat.Options{
		BufferSize: cfg.Chat.BufferSize,
		Store:      store,
	})
	return c, nil
}

// Observe registers fn for event. Observers survive Disconnect, which
// clears the dispatcher, because Connect registers them again.
func (c *Client) Observe(event string, fn func(events.Event)) {
	l := events.ListenFunc(fn)
	c.mu.Lock()
	c.observers[event] = append(c.observers[event], l)
	c.mu.Unlock()
	c.Events.On(event, l)
}

// Connect attaches every handler and starts connecting.
func (c *Client) Connect() {
	c.Calls.Attach()
	c.Chat.Attach()
	c.mu.Lock()
	for event, ls := range c.observers {
		for _, l := range ls {
			c.Events.On(event, l)
		}
	}
	c.mu.Unlock()
	c.Conn.Connect("")
}

// Disconnect ends any call, then drops the connection.
func (c *Client) Disconnect() {
	if err := c.Calls.Hangup(); err != nil {
		log.Printf("CALL: hangup on disconnect: %v", err)
	}
	c.Conn.Disconnect()
}

// Apply takes the parts of a reloaded config that can change at runtime:
// the token and the ICE servers for the next call.
func (c *Client) Apply(cfg config.Config) {
	if cfg.Server.Token != "" {
		c.tokens.Set(cfg.Server.Token)
	}
	c.peers.SetICEServers(iceServers(cfg.Call.ICEServers))
	log.Printf("CONFIG: applied reload (%d ice servers)", len(cfg.Call.ICEServers))
}

// Close tears everything down. Safe to call once.
func (c *Client) Close() error {
	c.Calls.Close()
	c.Conn.Disconnect()
	return errors.Join(c.Chat.Close(), c.History.Close())
}

// Dial starts an outgoing call once the connection is up.
func (c *Client) Dial(ctx context.Context, target call.Target, conversationID, callType string) error {
	if !c.Conn.IsConnected() {
		return fmt.Errorf("dial %s: %w", target.ID, &conn.ConnectionError{Kind: conn.NotConnected})
	}
	return c.Calls.StartCall(ctx, target, conversationID, callType)
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
