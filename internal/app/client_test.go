package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/rtcomm/internal/call"
	"github.com/petervdpas/rtcomm/internal/config"
	"github.com/petervdpas/rtcomm/internal/conn"
	"github.com/petervdpas/rtcomm/internal/events"
	"github.com/petervdpas/rtcomm/internal/proto"
)

// backend upgrades every connection, pushes the given frames and then
// records what the client sends until it hangs up.
func backend(t *testing.T, push ...proto.Frame) (*httptest.Server, chan proto.Frame) {
	t.Helper()
	return replyingBackend(t, nil, push...)
}

// replyingBackend is backend with reply consulted for every received frame.
func replyingBackend(t *testing.T, reply func(proto.Frame) []proto.Frame, push ...proto.Frame) (*httptest.Server, chan proto.Frame) {
	t.Helper()
	got := make(chan proto.Frame, 64)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, f := range push {
			if err := ws.WriteJSON(f); err != nil {
				return
			}
		}
		for {
			var f proto.Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			select {
			case got <- f:
			default:
			}
			if reply == nil {
				continue
			}
			for _, r := range reply(f) {
				if err := ws.WriteJSON(r); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func frame(t *testing.T, event string, payload any) proto.Frame {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return proto.Frame{Event: event, Data: b}
}

func testConfig(t *testing.T, url string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.UserID = "alice"
	cfg.Server.Endpoints = []config.Endpoint{{URL: url}}
	cfg.Server.Token = "tok"
	cfg.Reconnect.BaseDelayMs = 10
	cfg.Reconnect.MaxDelayMs = 20
	cfg.Reconnect.MaxAttempts = 1
	cfg.Call.Synthetic = true
	cfg.Paths.DataDir = t.TempDir()
	return cfg
}

func newTestClient(t *testing.T, cfg config.Config) *Client {
	t.Helper()
	cl, err := NewClient(cfg, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientDeliversChat(t *testing.T) {
	srv, sent := backend(t, frame(t, proto.EventNewMessage, proto.NewMessage{
		ConversationID: "conv-1",
		Message:        proto.Message{ID: "m1", SenderID: "bob", Content: "hi"},
	}))
	cl := newTestClient(t, testConfig(t, wsURL(srv)))
	msgs := cl.Chat.Subscribe()

	cl.Connect()
	select {
	case m := <-msgs:
		require.Equal(t, "conv-1", m.ConversationID)
		require.Equal(t, "hi", m.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, cl.Chat.StartTyping(context.Background(), "conv-1"))
	select {
	case f := <-sent:
		require.Equal(t, proto.CmdTyping, f.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("typing not sent")
	}
}

func TestClientObserversSurviveReconnect(t *testing.T) {
	srv, _ := backend(t)
	cl := newTestClient(t, testConfig(t, wsURL(srv)))

	connected := make(chan struct{}, 4)
	cl.Observe(proto.EventConnect, func(events.Event) { connected <- struct{}{} })

	for range 2 {
		cl.Connect()
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatal("no connect event")
		}
		cl.Disconnect()
		require.False(t, cl.Conn.IsConnected())
	}
}

func TestClientDialNeedsConnection(t *testing.T) {
	srv, _ := backend(t)
	cl := newTestClient(t, testConfig(t, wsURL(srv)))

	err := cl.Dial(context.Background(), call.Target{ID: "bob"}, "", "audio")
	require.True(t, conn.IsKind(err, conn.NotConnected))
	require.Equal(t, call.StateIdle, cl.Calls.State())
}

func TestClientDialSignalsCall(t *testing.T) {
	srv, sent := backend(t)
	cl := newTestClient(t, testConfig(t, wsURL(srv)))
	cl.Connect()
	require.Eventually(t, cl.Conn.IsConnected, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, cl.Dial(context.Background(), call.Target{ID: "bob"}, "conv-1", "audio"))
	require.Equal(t, call.StateOutgoingRinging, cl.Calls.State())

	var order []string
	timeout := time.After(5 * time.Second)
	for len(order) < 2 {
		select {
		case f := <-sent:
			if f.Event != proto.CmdSendICECandidate {
				order = append(order, f.Event)
			}
		case <-timeout:
			t.Fatalf("got only %v", order)
		}
	}
	require.Equal(t, []string{proto.CmdInitiateCall, proto.CmdSendOffer}, order)
}

func TestRunClientStopsOnTerminalError(t *testing.T) {
	srv, _ := backend(t)
	url := wsURL(srv)
	srv.Close()

	cl := newTestClient(t, testConfig(t, url))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := runClient(ctx, cl, Options{})
	require.True(t, conn.IsKind(err, conn.RetriesExhausted), "got %v", err)
}

func TestRunStopsWithContext(t *testing.T) {
	srv, _ := backend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig(t, wsURL(srv))
	err := Run(ctx, Options{CfgPath: t.TempDir() + "/rtcomm.json", Cfg: cfg, Output: io.Discard})
	require.NoError(t, err)
}

func TestRunDialReturnsRejection(t *testing.T) {
	srv, _ := replyingBackend(t, func(f proto.Frame) []proto.Frame {
		if f.Event != proto.CmdSendOffer {
			return nil
		}
		var out struct {
			Payload proto.SDPPayload `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(f.Data, &out))
		return []proto.Frame{frame(t, proto.EventCallRejected, proto.Control{
			FromUserID: "bob",
			CallID:     out.Payload.CallID,
			Reason:     proto.ReasonBusy,
		})}
	})
	cl := newTestClient(t, testConfig(t, wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := runClient(ctx, cl, Options{Dial: "bob", CallType: "audio"})
	require.ErrorIs(t, err, call.ErrCalleeBusy)

	require.Eventually(t, func() bool {
		recs, err := cl.History.Recent(context.Background(), 1)
		return err == nil && len(recs) == 1 && recs[0].Outcome == call.OutcomeBusy
	}, 5*time.Second, 10*time.Millisecond)
}
