package contextsnap

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-go-golems/sidekick/pkg/failure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxItems     = 50
	DefaultFetchTimeout = 5 * time.Second
)

// Hint tells a builder which scope the user is looking at. All fields are optional.
type Hint struct {
	ChannelID   string `json:"channel_id,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	// Query is the user question. Builders use it to pick limits and filters.
	Query string `json:"-"`
}

func (h Hint) hasScope() bool { return h.ChannelID != "" || h.ChannelName != "" }

// Builder assembles the context attached to a request. Build never fails: when the
// upstream source is unavailable it returns an empty snapshot.
type Builder interface {
	Build(ctx context.Context, hint Hint) Snapshot
}

// None is the builder of the general purpose assistant.
type None struct{}

func (None) Build(context.Context, Hint) Snapshot { return Empty() }

// Source provides recent items of a scope, newest or oldest first.
type Source interface {
	RecentItems(ctx context.Context, scopeID string, limit int) ([]Item, error)
}

// ChannelDirectory is implemented by sources that can resolve '#name' mentions.
type ChannelDirectory interface {
	Channels(ctx context.Context) ([]Channel, error)
}

// UserDirectory is implemented by sources that can name item authors.
type UserDirectory interface {
	UserName(ctx context.Context, userID string) (string, error)
}

// Searcher is implemented by sources that can search items across all scopes,
// newest first.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Item, error)
}

// searchLimit bounds the search results attached to one request.
const searchLimit = 10

// ChannelBuilder builds snapshots from the recent messages of one channel.
type ChannelBuilder struct {
	source       Source
	maxItems     int
	fetchTimeout time.Duration
	tokenBudget  int
	counter      TokenCounter
	now          func() time.Time
	logger       zerolog.Logger
}

type Option func(*ChannelBuilder)

func WithMaxItems(n int) Option {
	return func(b *ChannelBuilder) {
		if n > 0 {
			b.maxItems = n
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(b *ChannelBuilder) {
		if d > 0 {
			b.fetchTimeout = d
		}
	}
}

// WithTokenBudget drops the oldest items until the rendered items fit into n tokens.
func WithTokenBudget(n int, counter TokenCounter) Option {
	return func(b *ChannelBuilder) {
		b.tokenBudget = n
		b.counter = counter
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *ChannelBuilder) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *ChannelBuilder) { b.logger = l }
}

func NewChannelBuilder(source Source, opts ...Option) *ChannelBuilder {
	b := &ChannelBuilder{
		source:       source,
		maxItems:     DefaultMaxItems,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       log.Logger.With().Str("component", "contextsnap").Logger(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ Builder = (*ChannelBuilder)(nil)
var _ Builder = None{}

func (b *ChannelBuilder) Build(ctx context.Context, hint Hint) Snapshot {
	if ctx == nil {
		ctx = context.Background()
	}
	if b == nil || b.source == nil {
		return Empty()
	}
	mention := ChannelMention(hint.Query)
	terms := ""
	if _, ok := b.source.(Searcher); ok {
		terms = SearchQuery(hint.Query)
	}
	if !hint.hasScope() && mention == "" && terms == "" {
		return Empty()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
	defer cancel()

	snap, err := b.build(fetchCtx, hint, mention, terms)
	if err != nil {
		ferr := failure.Wrap(failure.ContextUnavailable, err, "context unavailable")
		b.logger.Warn().
			Err(ferr).
			Str("kind", failure.ContextUnavailable.String()).
			Str("channel_id", hint.ChannelID).
			Str("channel_name", hint.ChannelName).
			Str("mention", mention).
			Msg("building context failed, continuing without context")
		return Empty()
	}
	return snap
}

func (b *ChannelBuilder) build(ctx context.Context, hint Hint, mention, terms string) (Snapshot, error) {
	var (
		channel *Channel
		items   []Item
	)
	if hint.hasScope() || mention != "" {
		c, err := b.resolveChannel(ctx, hint, mention)
		if err != nil {
			return Snapshot{}, err
		}
		items, err = b.recent(ctx, c, hint.Query)
		if err != nil {
			return Snapshot{}, err
		}
		channel = &c
	}

	if terms != "" {
		found, err := b.source.(Searcher).Search(ctx, terms, searchLimit)
		switch {
		case err != nil && channel == nil:
			return Snapshot{}, errors.Wrapf(err, "search %q", terms)
		case err != nil:
			b.logger.Warn().Err(err).Str("terms", terms).Msg("search failed, using channel context only")
		default:
			found = newestN(found, searchLimit)
			b.nameAuthors(ctx, found)
			items = mergeItems(items, found)
		}
	}

	if b.tokenBudget > 0 && b.counter != nil {
		items = trimToBudget(items, b.tokenBudget, b.counter)
	}
	return NewSnapshot(channel, items, b.now()), nil
}

func (b *ChannelBuilder) recent(ctx context.Context, channel Channel, query string) ([]Item, error) {
	limit := MessageLimit(query)
	if limit > b.maxItems {
		limit = b.maxItems
	}

	items, err := b.source.RecentItems(ctx, channel.ID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch recent items of %s", channel.DisplayName())
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "fetch recent items")
	}

	// sources are not trusted to honour the limit
	items = newestN(items, limit)
	b.nameAuthors(ctx, items)
	items = filterByPerson(items, PersonMention(query))
	return filterByDay(items, query, b.now()), nil
}

// mergeItems appends the items of extra not already in items.
func mergeItems(items, extra []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		seen[it.ID] = struct{}{}
	}
	for _, it := range extra {
		if _, ok := seen[it.ID]; ok && it.ID != "" {
			continue
		}
		seen[it.ID] = struct{}{}
		items = append(items, it)
	}
	return items
}

// resolveChannel prefers a '#mention' in the query over the hint and falls back to the
// hint when the mentioned channel does not exist.
func (b *ChannelBuilder) resolveChannel(ctx context.Context, hint Hint, mention string) (Channel, error) {
	fromHint := Channel{ID: hint.ChannelID, Name: strings.TrimPrefix(hint.ChannelName, "#")}

	dir, ok := b.source.(ChannelDirectory)
	if !ok {
		c := fromHint
		if mention != "" {
			c = Channel{Name: mention}
		}
		if c.ID == "" {
			c.ID = c.Name
		}
		return c, nil
	}

	channels, err := dir.Channels(ctx)
	if err != nil {
		return Channel{}, errors.Wrap(err, "list channels")
	}
	if mention != "" {
		if c, found := findChannel(channels, Channel{Name: mention}); found {
			return c, nil
		}
	}
	if hint.hasScope() {
		if c, found := findChannel(channels, fromHint); found {
			return c, nil
		}
		return Channel{}, errors.Errorf("unknown channel %s", fromHint.DisplayName())
	}
	return Channel{}, errors.Errorf("unknown channel #%s", mention)
}

func findChannel(channels []Channel, want Channel) (Channel, bool) {
	for _, c := range channels {
		if want.ID != "" && c.ID == want.ID {
			return c, true
		}
		if want.ID == "" && strings.EqualFold(c.Name, want.Name) {
			return c, true
		}
	}
	return Channel{}, false
}

func (b *ChannelBuilder) nameAuthors(ctx context.Context, items []Item) {
	users, ok := b.source.(UserDirectory)
	if !ok {
		return
	}
	names := map[string]string{}
	for i := range items {
		if items[i].AuthorName != "" || items[i].Author == "" {
			continue
		}
		name, seen := names[items[i].Author]
		if !seen {
			n, err := users.UserName(ctx, items[i].Author)
			if err != nil {
				b.logger.Debug().Err(err).Str("user", items[i].Author).Msg("user lookup failed")
			}
			names[items[i].Author] = n
			name = n
		}
		items[i].AuthorName = name
	}
}

// newestN returns the n most recent items, oldest first.
func newestN(items []Item, n int) []Item {
	sorted := NewSnapshot(nil, items, time.Time{}).Items()
	if n > 0 && len(sorted) > n {
		sorted = sorted[len(sorted)-n:]
	}
	return sorted
}

var (
	channelMentionRe = regexp.MustCompile(`#([a-zA-Z0-9_-]+)`)
	personMentionRes = []*regexp.Regexp{
		regexp.MustCompile(`@([a-zA-Z0-9_.-]+)`),
		regexp.MustCompile(`(?i)what did (\w+) say`),
		regexp.MustCompile(`(?i)(\w+)'s messages`),
		regexp.MustCompile(`(?i)messages from (\w+)`),
	}
)

// ChannelMention returns the first '#channel' mentioned in query, without the '#'.
func ChannelMention(query string) string {
	m := channelMentionRe.FindStringSubmatch(query)
	if m == nil {
		return ""
	}
	return m[1]
}

// PersonMention returns the first person the query asks about.
func PersonMention(query string) string {
	for _, re := range personMentionRes {
		if m := re.FindStringSubmatch(query); m != nil {
			return m[1]
		}
	}
	return ""
}

var searchPhraseRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)search for and summarize messages about:`),
	regexp.MustCompile(`(?i)search for`),
	regexp.MustCompile(`(?i)look for`),
	regexp.MustCompile(`(?i)find`),
}

// SearchQuery returns the search terms of a query that asks to search or find
// something, and "" otherwise.
func SearchQuery(query string) string {
	q := strings.ToLower(query)
	if !strings.Contains(q, "search") && !strings.Contains(q, "find") {
		return ""
	}
	out := query
	for _, re := range searchPhraseRes {
		out = re.ReplaceAllString(out, "")
	}
	return strings.TrimSpace(out)
}

// MessageLimit picks how many recent messages a query needs.
func MessageLimit(query string) int {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "summary") || strings.Contains(q, "summarize"):
		return 50
	case strings.Contains(q, "recent") || strings.Contains(q, "latest"):
		return 10
	case strings.Contains(q, "all") || strings.Contains(q, "everything"):
		return 100
	default:
		return 25
	}
}

func filterByPerson(items []Item, person string) []Item {
	if person == "" {
		return items
	}
	p := strings.ToLower(person)
	var out []Item
	for _, it := range items {
		if strings.Contains(strings.ToLower(it.AuthorName), p) || strings.EqualFold(it.Author, person) {
			out = append(out, it)
		}
	}
	// an unknown person leaves the context untouched
	if len(out) == 0 {
		return items
	}
	return out
}

func filterByDay(items []Item, query string, now time.Time) []Item {
	q := strings.ToLower(query)
	var day time.Time
	switch {
	case strings.Contains(q, "today"):
		day = now
	case strings.Contains(q, "yesterday"):
		day = now.AddDate(0, 0, -1)
	default:
		return items
	}
	y, m, d := day.Date()
	var out []Item
	for _, it := range items {
		ty, tm, td := it.Timestamp.In(now.Location()).Date()
		if ty == y && tm == m && td == d {
			out = append(out, it)
		}
	}
	return out
}
