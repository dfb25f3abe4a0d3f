// Package blocklist keeps the set of hosts the proxy refuses to contact.
package blocklist

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// List is a set of blocked hosts. Blocking a domain also blocks all of its
// subdomains.
type List struct {
	mu    sync.RWMutex
	hosts map[string]bool
	log   zerolog.Logger
}

func New(log zerolog.Logger) *List {
	return &List{hosts: make(map[string]bool), log: log}
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// Block adds a host to the list.
func (l *List) Block(host string) {
	host = normalize(host)
	if host == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hosts[host] = true
}

// Unblock removes a host from the list.
func (l *List) Unblock(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hosts, normalize(host))
}

// IsBlocked checks the host and each of its parent domains.
func (l *List) IsBlocked(host string) bool {
	host = normalize(host)
	l.mu.RLock()
	defer l.mu.RUnlock()

	for host != "" {
		if l.hosts[host] {
			return true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			break
		}
		host = host[dot+1:]
	}
	return false
}

// Hosts returns the blocked hosts in sorted order.
func (l *List) Hosts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hosts := make([]string, 0, len(l.hosts))
	for h := range l.hosts {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	return hosts
}

// Len is the number of blocked hosts.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.hosts)
}

// Load replaces the list with the contents of a JSON file holding either an
// array of hosts or an object of host to bool. A missing file empties the
// list.
func (l *List) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "reading blocklist %s", path)
	}

	hosts := make(map[string]bool)
	switch data = bytes.TrimSpace(data); {
	case len(data) == 0:
	case data[0] == '[':
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return errors.Wrapf(err, "parsing blocklist %s", path)
		}
		for _, h := range list {
			if h = normalize(h); h != "" {
				hosts[h] = true
			}
		}
	default:
		var set map[string]bool
		if err := json.Unmarshal(data, &set); err != nil {
			return errors.Wrapf(err, "parsing blocklist %s", path)
		}
		for h, blocked := range set {
			if h = normalize(h); h != "" && blocked {
				hosts[h] = true
			}
		}
	}

	l.mu.Lock()
	l.hosts = hosts
	l.mu.Unlock()
	return nil
}

// Save writes the list as a JSON object of host to true.
func (l *List) Save(path string) error {
	l.mu.RLock()
	data, err := json.MarshalIndent(l.hosts, "", "  ")
	l.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "encoding blocklist")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "writing blocklist %s", path)
}

// Watch reloads the list whenever path is written, created, replaced or
// removed. It blocks until ctx is cancelled or the watcher fails.
func (l *List) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating blocklist watcher")
	}
	defer watcher.Close()

	// Watch the directory so that editors replacing the file are noticed.
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}
	l.log.Info().Str("path", path).Msg("watching blocklist")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("blocklist watcher events closed")
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := l.Load(path); err != nil {
				l.log.Error().Err(err).Msg("reloading blocklist, keeping previous hosts")
				continue
			}
			l.log.Info().Int("hosts", l.Len()).Msg("blocklist reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("blocklist watcher errors closed")
			}
			l.log.Error().Err(err).Msg("blocklist watcher")
		}
	}
}
