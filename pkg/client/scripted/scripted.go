// Package scripted provides deterministic assistant clients for demos and tests.
package scripted

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/go-go-golems/sidekick/pkg/failure"
	"github.com/pkg/errors"
)

type stepKind string

const (
	stepMsg   stepKind = "msg"
	stepSleep stepKind = "sleep"
	stepErr   stepKind = "err"
	stepFail  stepKind = "fail"
	stepOK    stepKind = "ok"
)

type step struct {
	kind stepKind
	arg  string
}

// parseScript parses a comma separated script. Supported steps:
//
//	msg:<text>      emit a chunk
//	msgb64:<b64>    emit a base64 encoded chunk, for text containing commas
//	sleep:<ms>      pause
//	err:<message>   end with a backend error
//	fail:<message>  end with a transport failure
//	ok              end successfully
func parseScript(script string) ([]step, error) {
	if strings.TrimSpace(script) == "" {
		return []step{{kind: stepOK}}, nil
	}
	var steps []step
	for _, p := range strings.Split(script, ",") {
		token := strings.TrimLeft(p, " \t\n")
		if strings.TrimSpace(token) == "" {
			continue
		}
		kind, arg, _ := strings.Cut(token, ":")
		switch stepKind(strings.TrimSpace(kind)) {
		case stepOK:
			steps = append(steps, step{kind: stepOK})
		case stepMsg:
			steps = append(steps, step{kind: stepMsg, arg: arg})
		case "msgb64":
			b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(arg))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid msgb64 step %q", token)
			}
			steps = append(steps, step{kind: stepMsg, arg: string(b)})
		case stepSleep:
			if _, err := strconv.Atoi(strings.TrimSpace(arg)); err != nil {
				return nil, errors.Errorf("invalid sleep step %q", token)
			}
			steps = append(steps, step{kind: stepSleep, arg: strings.TrimSpace(arg)})
		case stepErr:
			steps = append(steps, step{kind: stepErr, arg: arg})
		case stepFail:
			steps = append(steps, step{kind: stepFail, arg: arg})
		default:
			return nil, errors.Errorf("invalid script step %q", token)
		}
	}
	if len(steps) == 0 {
		steps = append(steps, step{kind: stepOK})
	}
	return steps, nil
}

// Client replays the same script for every request.
type Client struct {
	steps []step
	delay time.Duration
}

var _ client.Client = &Client{}

// New returns a client replaying script. delay is inserted before every chunk.
func New(script string, delay time.Duration) (*Client, error) {
	steps, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &Client{steps: steps, delay: delay}, nil
}

// Echo returns a client that answers by repeating the query word by word.
func Echo(delay time.Duration) client.Client {
	return echoClient{delay: delay}
}

func (c *Client) Stream(ctx context.Context, req client.Request) (*client.Stream, error) {
	return client.Start(ctx, req.Timeout, func(ctx context.Context, emit *client.Emitter) error {
		for _, s := range c.steps {
			switch s.kind {
			case stepMsg:
				if err := sleep(ctx, c.delay); err != nil {
					return err
				}
				if err := emit.Chunk(s.arg); err != nil {
					return err
				}
			case stepSleep:
				ms, _ := strconv.Atoi(s.arg)
				if err := sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
					return err
				}
			case stepErr:
				return failure.New(failure.BackendError, strings.TrimSpace(s.arg))
			case stepFail:
				return failure.New(failure.TransportFailure, strings.TrimSpace(s.arg))
			case stepOK:
				return nil
			}
		}
		return nil
	}), nil
}

type echoClient struct {
	delay time.Duration
}

func (c echoClient) Stream(ctx context.Context, req client.Request) (*client.Stream, error) {
	return client.Start(ctx, req.Timeout, func(ctx context.Context, emit *client.Emitter) error {
		words := strings.Fields(req.Query)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if err := sleep(ctx, c.delay); err != nil {
				return err
			}
			if err := emit.Chunk(w); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
