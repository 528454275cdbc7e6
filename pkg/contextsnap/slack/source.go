// Package slack reads channel context from the Slack Web API.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://slack.com/api"

// Source implements contextsnap.Source, ChannelDirectory and UserDirectory.
type Source struct {
	baseURL   string
	token     string
	userToken string
	client    *http.Client
	limiter   *rate.Limiter

	mu       sync.Mutex
	users    map[string]string
	channels []contextsnap.Channel
	listedAt time.Time
	cacheTTL time.Duration
}

type Option func(*Source)

func WithBaseURL(u string) Option {
	return func(s *Source) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithUserToken sets the user token search.messages needs; bot tokens cannot search.
// Without it searches use the bot token.
func WithUserToken(token string) Option {
	return func(s *Source) { s.userToken = token }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithRateLimit sets the sustained request rate. Slack tier 3 methods allow about 50/min.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Source) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func New(token string, opts ...Option) *Source {
	s := &Source{
		baseURL:  DefaultBaseURL,
		token:    token,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(1200*time.Millisecond), 5),
		users:    map[string]string{},
		cacheTTL: 5 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var (
	_ contextsnap.Source           = (*Source)(nil)
	_ contextsnap.ChannelDirectory = (*Source)(nil)
	_ contextsnap.UserDirectory    = (*Source)(nil)
	_ contextsnap.Searcher         = (*Source)(nil)
)

type apiResponse struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type apiChannel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Purpose struct {
		Value string `json:"value"`
	} `json:"purpose"`
}

type apiMessage struct {
	TS       string `json:"ts"`
	User     string `json:"user"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

type apiUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
	Profile  struct {
		DisplayName string `json:"display_name"`
	} `json:"profile"`
}

// APIError is an error reported by Slack in the response body.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string { return fmt.Sprintf("slack %s: %s", e.Method, e.Code) }

func (s *Source) call(ctx context.Context, method string, params url.Values, out any) error {
	return s.callWithToken(ctx, s.token, method, params, out)
}

func (s *Source) callWithToken(ctx context.Context, token, method string, params url.Values, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+method+"?"+params.Encode(), nil)
	if err != nil {
		return errors.Wrapf(err, "build %s request", method)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "call %s", method)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.Errorf("slack %s: rate limited (retry after %s)", method, resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("slack %s: http %d", method, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", method)
	}
	return nil
}

// Channels lists public channels, cached for a few minutes.
func (s *Source) Channels(ctx context.Context) ([]contextsnap.Channel, error) {
	s.mu.Lock()
	if s.channels != nil && time.Since(s.listedAt) < s.cacheTTL {
		out := append([]contextsnap.Channel(nil), s.channels...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	var all []contextsnap.Channel
	cursor := ""
	for {
		params := url.Values{"limit": {"200"}, "exclude_archived": {"true"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp struct {
			apiResponse
			Channels []apiChannel `json:"channels"`
		}
		if err := s.call(ctx, "conversations.list", params, &resp); err != nil {
			return nil, err
		}
		if !resp.OK {
			return nil, &APIError{Method: "conversations.list", Code: resp.Error}
		}
		for _, c := range resp.Channels {
			all = append(all, contextsnap.Channel{ID: c.ID, Name: c.Name, Purpose: c.Purpose.Value})
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}

	s.mu.Lock()
	s.channels = all
	s.listedAt = time.Now()
	s.mu.Unlock()
	return append([]contextsnap.Channel(nil), all...), nil
}

func (s *Source) RecentItems(ctx context.Context, scopeID string, limit int) ([]contextsnap.Item, error) {
	params := url.Values{"channel": {scopeID}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		apiResponse
		Messages []apiMessage `json:"messages"`
	}
	if err := s.call(ctx, "conversations.history", params, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &APIError{Method: "conversations.history", Code: resp.Error}
	}
	items := make([]contextsnap.Item, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		items = append(items, contextsnap.Item{
			ID:        m.TS,
			Author:    m.User,
			Text:      m.Text,
			Timestamp: ParseTS(m.TS),
		})
	}
	return items, nil
}

// Search runs search.messages across the workspace, newest first.
func (s *Source) Search(ctx context.Context, query string, limit int) ([]contextsnap.Item, error) {
	params := url.Values{
		"query":    {query},
		"sort":     {"timestamp"},
		"sort_dir": {"desc"},
	}
	if limit > 0 {
		params.Set("count", strconv.Itoa(limit))
	}
	token := s.userToken
	if token == "" {
		token = s.token
	}
	var resp struct {
		apiResponse
		Messages struct {
			Matches []apiMessage `json:"matches"`
			Total   int          `json:"total"`
		} `json:"messages"`
	}
	if err := s.callWithToken(ctx, token, "search.messages", params, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &APIError{Method: "search.messages", Code: resp.Error}
	}
	items := make([]contextsnap.Item, 0, len(resp.Messages.Matches))
	for _, m := range resp.Messages.Matches {
		items = append(items, contextsnap.Item{
			ID:         m.TS,
			Author:     m.User,
			AuthorName: m.Username,
			Text:       m.Text,
			Timestamp:  ParseTS(m.TS),
		})
	}
	return items, nil
}

func (s *Source) UserName(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	name, ok := s.users[userID]
	s.mu.Unlock()
	if ok {
		return name, nil
	}

	var resp struct {
		apiResponse
		User apiUser `json:"user"`
	}
	if err := s.call(ctx, "users.info", url.Values{"user": {userID}}, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", &APIError{Method: "users.info", Code: resp.Error}
	}
	name = resp.User.Profile.DisplayName
	if name == "" {
		name = resp.User.RealName
	}
	if name == "" {
		name = resp.User.Name
	}
	s.mu.Lock()
	s.users[userID] = name
	s.mu.Unlock()
	return name, nil
}

// ParseTS converts a Slack message timestamp ("1700000000.000100") to a time.
func ParseTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nsec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, nsec)
}
