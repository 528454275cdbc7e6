// Package contextsnap builds the bounded, read-only context that is attached to an
// assistant request, typically the recent messages of a channel.
package contextsnap

import (
	"sort"
	"strings"
	"time"
)

// Item is one contextual message.
type Item struct {
	ID         string    `json:"id" yaml:"id"`
	Author     string    `json:"author,omitempty" yaml:"author"`
	AuthorName string    `json:"author_name,omitempty" yaml:"author_name"`
	Text       string    `json:"text" yaml:"text"`
	Timestamp  time.Time `json:"timestamp" yaml:"ts"`
}

// DisplayAuthor returns the best available name for the item author.
func (i Item) DisplayAuthor() string {
	switch {
	case i.AuthorName != "":
		return i.AuthorName
	case i.Author != "":
		return i.Author
	default:
		return "Unknown"
	}
}

// Channel identifies the scope a snapshot was built from.
type Channel struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Purpose string `json:"purpose,omitempty" yaml:"purpose"`
}

// DisplayName returns the channel name prefixed with '#'.
func (c Channel) DisplayName() string {
	name := c.Name
	if name == "" {
		name = c.ID
	}
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "#") {
		return name
	}
	return "#" + name
}

// Summary describes what context a request used. It is stored with each exchange.
type Summary struct {
	ChannelNames []string `json:"channel_names,omitempty" yaml:"channel_names,omitempty"`
	UserNames    []string `json:"user_names,omitempty" yaml:"user_names,omitempty"`
	MessageCount int      `json:"message_count" yaml:"message_count"`
	DateRange    string   `json:"date_range,omitempty" yaml:"date_range,omitempty"`
}

// IsZero reports whether the summary references no context at all.
func (s Summary) IsZero() bool {
	return len(s.ChannelNames) == 0 && len(s.UserNames) == 0 && s.MessageCount == 0 && s.DateRange == ""
}

// Snapshot is an immutable set of context items captured for a single request.
// The zero value is the empty snapshot.
type Snapshot struct {
	channel *Channel
	items   []Item
	builtAt time.Time
}

const dateRangeLayout = "2006-01-02 15:04"

// Empty returns a snapshot with no channel and no items.
func Empty() Snapshot { return Snapshot{} }

// NewSnapshot copies items, orders them oldest first and freezes them.
func NewSnapshot(channel *Channel, items []Item, builtAt time.Time) Snapshot {
	s := Snapshot{builtAt: builtAt}
	if channel != nil {
		c := *channel
		s.channel = &c
	}
	if len(items) > 0 {
		s.items = make([]Item, len(items))
		copy(s.items, items)
		sort.SliceStable(s.items, func(i, j int) bool {
			return s.items[i].Timestamp.Before(s.items[j].Timestamp)
		})
	}
	return s
}

// Items returns a copy of the snapshot items, oldest first.
func (s Snapshot) Items() []Item {
	if len(s.items) == 0 {
		return nil
	}
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

func (s Snapshot) Len() int { return len(s.items) }

func (s Snapshot) IsEmpty() bool { return s.channel == nil && len(s.items) == 0 }

// Channel returns the scope of the snapshot, if any.
func (s Snapshot) Channel() (Channel, bool) {
	if s.channel == nil {
		return Channel{}, false
	}
	return *s.channel, true
}

func (s Snapshot) BuiltAt() time.Time { return s.builtAt }

// Summary computes the context summary recorded alongside an exchange.
func (s Snapshot) Summary() Summary {
	var sum Summary
	if s.channel != nil {
		if name := s.channel.DisplayName(); name != "" {
			sum.ChannelNames = []string{name}
		}
	}
	sum.MessageCount = len(s.items)
	if len(s.items) == 0 {
		return sum
	}

	seen := map[string]struct{}{}
	for _, it := range s.items {
		name := it.DisplayAuthor()
		if name == "Unknown" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		sum.UserNames = append(sum.UserNames, name)
	}
	sort.Strings(sum.UserNames)

	oldest, newest := s.items[0].Timestamp, s.items[len(s.items)-1].Timestamp
	if !oldest.IsZero() && !newest.IsZero() {
		sum.DateRange = oldest.Format(dateRangeLayout) + " - " + newest.Format(dateRangeLayout)
	}
	return sum
}
