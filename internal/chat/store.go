package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/rtcomm/internal/auth"
	"github.com/petervdpas/rtcomm/internal/proto"
	"github.com/petervdpas/rtcomm/internal/util"
)

// MessageStore is the platform's conversation store. Messages are posted
// and fetched over REST; the realtime connection only announces them.
type MessageStore interface {
	Send(ctx context.Context, conversationID, content string) (Message, error)
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// ErrUnauthorized is returned when the REST API refuses the credential.
var ErrUnauthorized = errors.New("chat: unauthorized")

// StatusError is a non-2xx REST response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chat: http %d", e.Code)
	}
	return fmt.Sprintf("chat: http %d: %s", e.Code, e.Body)
}

// maxBody bounds how much of a response is read.
const maxBody = 4 << 20

// HTTPStore talks to the platform REST API:
//
//	POST {base}/conversations/{id}/messages   {"content": "..."}
//	GET  {base}/conversations/{id}/messages?limit=N
type HTTPStore struct {
	base   *url.URL
	tokens auth.TokenSource
	client *http.Client
}

// NewHTTPStore returns a store rooted at baseURL (http or https).
func NewHTTPStore(baseURL string, tokens auth.TokenSource) (*HTTPStore, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("chat: api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("chat: api url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("chat: api url %q has no host", baseURL)
	}
	return &HTTPStore{
		base:   u,
		tokens: tokens,
		client: &http.Client{Timeout: util.DefaultDialTimeout},
	}, nil
}

func (s *HTTPStore) Send(ctx context.Context, conversationID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, errors.New("chat: empty message")
	}
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return Message{}, err
	}
	var m proto.Message
	if err := s.do(ctx, http.MethodPost, s.messagesURL(conversationID, nil), body, &m); err != nil {
		return Message{}, fmt.Errorf("send to %s: %w", conversationID, err)
	}
	return fromWire(conversationID, m, time.Now()), nil
}

func (s *HTTPStore) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var wire []proto.Message
	if err := s.do(ctx, http.MethodGet, s.messagesURL(conversationID, q), nil, &wire); err != nil {
		return nil, fmt.Errorf("history of %s: %w", conversationID, err)
	}
	now := time.Now()
	out := make([]Message, len(wire))
	for i, m := range wire {
		out[i] = fromWire(conversationID, m, now)
	}
	return out, nil
}

func (s *HTTPStore) messagesURL(conversationID string, q url.Values) string {
	u := s.base.JoinPath("conversations", conversationID, "messages")
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *HTTPStore) do(ctx context.Context, method, target string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.tokens != nil {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
