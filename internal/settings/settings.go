// Package settings is the key/value channel that pushes runtime
// configuration to hook state. A Store holds the current values and
// notifies subscribers on every change; Follow feeds a store from a file
// that is appended to while the probe runs.
package settings

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/nxadm/tail"
)

// Subscriber receives every value set after it subscribed, plus the
// values already present at subscription.
type Subscriber interface {
	OnSettingChanged(key, value string)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(key, value string)

func (f SubscriberFunc) OnSettingChanged(key, value string) { f(key, value) }

// Store is safe for concurrent use. Notifications for one Set complete
// before Set returns and are delivered in subscription order.
type Store struct {
	mu     sync.Mutex
	values map[string]string
	subs   []subscription
	nextID int
}

type subscription struct {
	id  int
	sub Subscriber
}

func NewStore() *Store {
	return &Store{values: make(map[string]string)}
}

// Set stores value and notifies subscribers.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	subs := slices.Clone(s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.sub.OnSettingChanged(key, value)
	}
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// All returns a copy of the current values.
func (s *Store) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// Subscribe registers sub and replays the current values to it in key
// order. The returned function unsubscribes.
func (s *Store) Subscribe(sub Subscriber) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscription{id: id, sub: sub})
	current := maps.Clone(s.values)
	s.mu.Unlock()

	for _, k := range slices.Sorted(maps.Keys(current)) {
		sub.OnSettingChanged(k, current[k])
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(x subscription) bool { return x.id == id })
	}
}

// ParseLine splits a "key=value" line. Blank lines and lines starting with
// '#' yield ok == false.
func ParseLine(line string) (key, value string, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	key, value, found := strings.Cut(line, "=")
	if !found {
		return "", "", false, fmt.Errorf("setting %q: missing '='", line)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false, fmt.Errorf("setting %q: empty key", line)
	}
	return key, strings.TrimSpace(value), true, nil
}

// Apply sets the value carried by one line.
func (s *Store) Apply(line string) error {
	k, v, ok, err := ParseLine(line)
	if err != nil || !ok {
		return err
	}
	s.Set(k, v)
	return nil
}

// Load applies every line of r. Malformed lines are logged and skipped.
func (s *Store) Load(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := s.Apply(sc.Text()); err != nil {
			slog.Warn("skipping setting", "err", err)
		}
	}
	return sc.Err()
}

// Follow applies the lines of the file at path as they are written,
// starting from its beginning, until ctx is done. The file may not exist
// yet and may be rotated.
func Follow(ctx context.Context, path string, s *Store) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("follow %s: %w", path, err)
	}
	defer t.Cleanup()
	defer t.Stop()

	slog.Debug("following settings", "path", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				slog.Warn("settings tail", "path", path, "err", line.Err)
				continue
			}
			if err := s.Apply(line.Text); err != nil {
				slog.Warn("skipping setting", "path", path, "err", err)
			}
		}
	}
}
