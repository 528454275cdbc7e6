package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/go-go-golems/sidekick/pkg/failure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Client talks to an assistant backend that answers with a stream of
// `data: {"event": ...}` frames:
//
//	{"event":"user_message","id":"..."}     ignored
//	{"event":"text","content":"...","seq":1} a chunk, seq optional
//	{"event":"done"}                          completion
//	{"event":"error","message":"..."}         backend error
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

var _ client.Client = &Client{}

type Option func(*Client)

func WithAPIKey(key string) Option { return func(c *Client) { c.apiKey = key } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

func New(url string, opts ...Option) *Client {
	c := &Client{url: url, httpClient: &http.Client{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

type requestBody struct {
	RequestID string           `json:"request_id,omitempty"`
	Query     string           `json:"query"`
	Content   string           `json:"content"`
	System    string           `json:"system,omitempty"`
	Messages  []client.Message `json:"messages"`
	Context   *requestContext  `json:"context,omitempty"`
}

type requestContext struct {
	Channel *contextsnap.Channel `json:"channel,omitempty"`
	Items   []contextsnap.Item   `json:"items"`
}

type backendEvent struct {
	Event   string `json:"event"`
	Content string `json:"content"`
	Message string `json:"message"`
	Seq     uint64 `json:"seq"`
}

func (c *Client) Stream(ctx context.Context, req client.Request) (*client.Stream, error) {
	body := requestBody{
		RequestID: req.ID,
		Query:     req.Query,
		Content:   req.UserPrompt(),
		System:    req.SystemPrompt,
		Messages:  req.Messages(),
	}
	if !req.Context.IsEmpty() {
		rc := &requestContext{Items: req.Context.Items()}
		if ch, ok := req.Context.Channel(); ok {
			rc.Channel = &ch
		}
		body.Context = rc
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode backend request")
	}

	return client.Start(ctx, req.Timeout, func(ctx context.Context, emit *client.Emitter) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return errors.Wrap(err, "build backend request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return failure.Wrap(failure.TransportFailure, err, "backend unreachable")
		}
		defer func() { _ = resp.Body.Close() }()
		if err := CheckStatus(resp); err != nil {
			return err
		}
		return Pump(ctx, resp.Body, emit)
	}), nil
}

// Pump reads backend protocol frames from body into emit until a terminal frame.
func Pump(ctx context.Context, body io.Reader, emit *client.Emitter) error {
	r := NewReader(body)
	for {
		f, err := r.Next()
		if err == io.EOF {
			return failure.New(failure.TransportFailure, "backend stream ended before completion")
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return failure.Wrap(failure.TransportFailure, err, "read backend stream")
		}
		data := strings.TrimSpace(f.Data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		var ev backendEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			log.Debug().Str("component", "sse").Str("data", data).Msg("skipping undecodable frame")
			continue
		}
		switch ev.Event {
		case "text":
			if ev.Seq > 0 {
				err = emit.ChunkSeq(ev.Seq, ev.Content)
			} else {
				err = emit.Chunk(ev.Content)
			}
			if err != nil {
				return err
			}
		case "done":
			return nil
		case "error":
			msg := ev.Message
			if msg == "" {
				msg = ev.Content
			}
			if msg == "" {
				msg = "backend reported an error"
			}
			return failure.New(failure.BackendError, msg)
		}
	}
}

// CheckStatus turns HTTP error responses into classified failures. 5xx and 429 are
// transport failures; other 4xx are backend errors carrying the response text.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(b))
	var structured struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &structured) == nil {
		switch {
		case structured.Error.Message != "":
			msg = structured.Error.Message
		case structured.Message != "":
			msg = structured.Message
		case structured.Detail != "":
			msg = structured.Detail
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return failure.Newf(failure.TransportFailure, "HTTP %d: %s", resp.StatusCode, msg)
	}
	return failure.New(failure.BackendError, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg))
}
