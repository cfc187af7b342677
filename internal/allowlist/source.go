package allowlist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"edgeguard/internal/netrange"
)

// reloadSettle gives editors time to finish writing before the file is re-read.
const reloadSettle = 100 * time.Millisecond

// Source combines the inline allowlist from configuration with an optional
// file that is re-read whenever it changes.
type Source struct {
	inline []netrange.Range
	path   string

	filter  atomic.Pointer[Filter]
	watcher *fsnotify.Watcher

	done      chan struct{}
	closeOnce sync.Once
}

// NewSource parses the inline entries and, when path is not empty, loads the
// file and starts watching its directory. Malformed inline entries are logged
// and skipped; an unreadable file is an error.
func NewSource(inline []string, path string) (*Source, error) {
	parsed := netrange.ParseAll(inline)
	for _, rej := range parsed.Rejected {
		log.Warn("Skipping invalid allowlist entry", "entry", rej.Entry, "error", rej.Err)
	}

	s := &Source{
		inline: append(parsed.V4, parsed.V6...),
		path:   path,
		done:   make(chan struct{}),
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	if path == "" {
		return s, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("allowlist: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("allowlist: watch %s: %w", filepath.Dir(path), err)
	}
	s.watcher = watcher

	go s.watchLoop()

	log.Info("Allowlist loaded", "entries", s.Filter().Len(), "file", path)
	return s, nil
}

// Static returns a Source that only serves the given entries.
func Static(entries []netrange.Range) *Source {
	s := &Source{inline: entries, done: make(chan struct{})}
	s.filter.Store(NewFilter(entries))
	return s
}

// Filter returns the current filter. It never returns nil.
func (s *Source) Filter() *Filter {
	if f := s.filter.Load(); f != nil {
		return f
	}
	return NewFilter(nil)
}

// Allowed checks r against the current filter.
func (s *Source) Allowed(r netrange.Range) bool {
	return s.Filter().Allowed(r)
}

// Reload rebuilds the filter from the inline entries and the file. On error
// the previous filter stays in place.
func (s *Source) Reload() error {
	entries := append([]netrange.Range(nil), s.inline...)

	if s.path != "" {
		f, err := os.Open(s.path)
		if err != nil {
			return fmt.Errorf("allowlist: open %s: %w", s.path, err)
		}
		defer f.Close()

		fromFile, err := ReadEntries(f)
		if err != nil {
			return fmt.Errorf("allowlist: read %s: %w", s.path, err)
		}
		entries = append(entries, fromFile...)
	}

	s.filter.Store(NewFilter(entries))
	return nil
}

// ReadEntries parses one IP or CIDR per line. Lines starting with # or ; are
// comments, trailing comments are stripped, malformed lines are logged and
// skipped.
func ReadEntries(r io.Reader) ([]netrange.Range, error) {
	var out []netrange.Range
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if idx := strings.IndexAny(line, ";#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}

		rng, err := netrange.Parse(line)
		if err != nil {
			log.Warn("Skipping invalid allowlist line", "error", err)
			continue
		}
		out = append(out, rng)
	}

	return out, scanner.Err()
}

func (s *Source) watchLoop() {
	filename := filepath.Base(s.path)

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			time.Sleep(reloadSettle)
			if err := s.Reload(); err != nil {
				log.Warn("Allowlist reload failed, keeping previous entries", "file", s.path, "error", err)
				continue
			}
			log.Info("Allowlist reloaded", "file", s.path, "entries", s.Filter().Len())
		case err, ok := <-s.watcher.Errors:
			if ok && err != nil {
				log.Warn("Allowlist watcher error", "file", s.path, "error", err)
			}
		}
	}
}

// Close stops the file watcher. Safe to call more than once.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
