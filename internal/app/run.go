package app

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/petervdpas/rtcomm/internal/call"
	"github.com/petervdpas/rtcomm/internal/chat"
	"github.com/petervdpas/rtcomm/internal/config"
	"github.com/petervdpas/rtcomm/internal/conn"
	"github.com/petervdpas/rtcomm/internal/events"
	"github.com/petervdpas/rtcomm/internal/proto"
	"github.com/petervdpas/rtcomm/internal/util"
)

type Options struct {
	CfgPath string
	Cfg     config.Config

	// Dial, when set, calls that user once connected and returns after the
	// call has ended.
	Dial         string
	CallType     string
	Conversation string

	// AutoAnswer accepts every incoming call.
	AutoAnswer bool

	// Output receives the log next to the in-memory buffer. Nil means stderr.
	Output io.Writer
}

func Run(ctx context.Context, opt Options) error {
	out := opt.Output
	if out == nil {
		out = os.Stderr
	}
	logs := NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(out, logs))

	logBanner(opt.CfgPath, opt.Cfg)

	cl, err := NewClient(opt.Cfg, filepath.Dir(opt.CfgPath))
	if err != nil {
		return err
	}
	defer func() {
		if err := cl.Close(); err != nil {
			log.Printf("PEER: shutdown: %v", err)
		}
	}()

	return runClient(ctx, cl, opt)
}

func runClient(ctx context.Context, cl *Client, opt Options) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if opt.CfgPath != "" {
		go func() {
			if err := config.Watch(ctx, opt.CfgPath, cl.Apply); err != nil {
				log.Printf("CONFIG: watch disabled: %v", err)
			}
		}()
	}

	cl.Observe(proto.EventConnectionError, func(e events.Event) {
		err, _ := e.Payload.(error)
		if err == nil {
			err = errors.New("connection lost")
		}
		log.Printf("CONN: giving up: %v", err)
		cancel(err)
	})

	var dialOnce sync.Once
	cl.Observe(proto.EventConnect, func(e events.Event) {
		if st, ok := e.Payload.(conn.Status); ok {
			log.Printf("📡 Connected to %s", st.Endpoint)
		}
		if opt.Dial == "" {
			return
		}
		dialOnce.Do(func() {
			go func() {
				target := call.Target{ID: opt.Dial}
				// A call torn down by a remote signal ends through the idle
				// state change below, which carries the real cause.
				err := cl.Dial(ctx, target, opt.Conversation, opt.CallType)
				if err != nil && !errors.Is(err, call.ErrCallCancelled) {
					cancel(err)
				}
			}()
		})
	})

	cl.Observe(proto.EventCallStateChanged, func(e events.Event) {
		ch, ok := e.Payload.(call.StateChange)
		if !ok {
			return
		}
		switch {
		case ch.To == call.StateIncomingRinging && opt.AutoAnswer:
			go func() {
				if err := cl.Calls.Accept(ctx); err != nil {
					log.Printf("CALL [%s]: auto-answer failed: %v", util.ShortID(ch.CallID), err)
				}
			}()
		case ch.To == call.StateIdle && opt.Dial != "":
			// The dialled call is over.
			cause := ch.Err
			if cause == nil {
				cause = context.Canceled
			}
			cancel(cause)
		}
	})

	msgs := cl.Chat.Subscribe()
	go func() {
		for m := range msgs {
			log.Printf("[%s] %s: %q", m.ConversationID, m.SenderID, m.Content)
		}
	}()
	typing := cl.Chat.SubscribeTyping()
	go logTyping(typing)

	cl.Connect()
	<-ctx.Done()

	log.Println("========================================")
	log.Println("PEER: stopping, ending any call...")
	log.Println("========================================")
	cl.Disconnect()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logTyping(ch <-chan chat.TypingUpdate) {
	for u := range ch {
		if u.Typing {
			log.Printf("[%s] %s is typing...", u.ConversationID, u.UserID)
		}
	}
}
