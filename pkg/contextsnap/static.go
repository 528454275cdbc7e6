package contextsnap

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// StaticSource serves context from memory. It backs demos, fixtures and tests.
type StaticSource struct {
	mu       sync.RWMutex
	channels []Channel
	items    map[string][]Item
	users    map[string]string
	// Err, when set, is returned by every lookup.
	Err error
}

func NewStaticSource() *StaticSource {
	return &StaticSource{items: map[string][]Item{}, users: map[string]string{}}
}

type staticFixture struct {
	Users    map[string]string `yaml:"users"`
	Channels []struct {
		Channel  `yaml:",inline"`
		Messages []Item `yaml:"messages"`
	} `yaml:"channels"`
}

// LoadStaticSource reads a YAML fixture with channels, their messages and user names.
func LoadStaticSource(path string) (*StaticSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read context fixture")
	}
	return ParseStaticSource(b)
}

func ParseStaticSource(b []byte) (*StaticSource, error) {
	var f staticFixture
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse context fixture")
	}
	s := NewStaticSource()
	for id, name := range f.Users {
		s.users[id] = name
	}
	for _, c := range f.Channels {
		if c.ID == "" {
			c.ID = c.Name
		}
		s.AddChannel(c.Channel, c.Messages...)
	}
	return s, nil
}

func (s *StaticSource) AddChannel(c Channel, items ...Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.channels {
		if s.channels[i].ID == c.ID {
			s.channels[i] = c
			replaced = true
		}
	}
	if !replaced {
		s.channels = append(s.channels, c)
	}
	s.items[c.ID] = append(s.items[c.ID], items...)
}

func (s *StaticSource) AddUser(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = name
}

func (s *StaticSource) Channels(ctx context.Context) ([]Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]Channel, len(s.channels))
	copy(out, s.channels)
	return out, nil
}

// RecentItems returns up to limit of the most recent items of the channel.
func (s *StaticSource) RecentItems(ctx context.Context, scopeID string, limit int) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	items, ok := s.items[scopeID]
	if !ok {
		return nil, errors.Errorf("channel %q not found", scopeID)
	}
	return newestN(items, limit), nil
}

func (s *StaticSource) UserName(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name, ok := s.users[userID]; ok {
		return name, nil
	}
	return "", errors.Errorf("user %q not found", strings.TrimSpace(userID))
}

// Search returns up to limit items of any channel whose text contains query,
// ignoring case, newest first.
func (s *StaticSource) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	var out []Item
	for _, c := range s.channels {
		for _, it := range s.items[c.ID] {
			if strings.Contains(strings.ToLower(it.Text), q) {
				out = append(out, it)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ Source           = (*StaticSource)(nil)
	_ ChannelDirectory = (*StaticSource)(nil)
	_ UserDirectory    = (*StaticSource)(nil)
	_ Searcher         = (*StaticSource)(nil)
)
