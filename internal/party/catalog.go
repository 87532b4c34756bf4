package party

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chronicle/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 100 * time.Millisecond

var ErrUnknownParty = errors.New("unknown party")

type CatalogOptions struct {
	// Embedded holds the built-in parties, read from EmbeddedDir.
	Embedded    fs.FS
	EmbeddedDir string
	// Dir overlays parties from disk; entries with the same id replace built-ins.
	Dir      string
	Debounce time.Duration
	Logger   *logging.Logger
	OnReload func(ids []string)
}

// Catalog is the set of known parties, optionally refreshed from disk.
type Catalog struct {
	mu       sync.RWMutex
	parties  map[string]Party
	options  CatalogOptions
	logger   *logging.Logger
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	closed   bool
	done     chan struct{}
	stopOnce sync.Once
}

func NewCatalog(options CatalogOptions) (*Catalog, error) {
	if options.Debounce <= 0 {
		options.Debounce = defaultReloadDebounce
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	catalog := &Catalog{
		parties: map[string]Party{},
		options: options,
		logger:  logger.With(map[string]string{logging.FieldCategory: "party"}),
		done:    make(chan struct{}),
	}
	if errs := catalog.Reload(); len(errs) > 0 && catalog.Len() == 0 {
		return nil, errors.Join(errs...)
	}
	return catalog, nil
}

// Reload rebuilds the catalog from the embedded set and the directory.
func (c *Catalog) Reload() []error {
	parties := map[string]Party{}
	var errs []error
	if c.options.Embedded != nil {
		dir := c.options.EmbeddedDir
		if dir == "" {
			dir = "."
		}
		embedded, loadErrs := LoadFS(c.options.Embedded, dir)
		errs = append(errs, loadErrs...)
		for id, party := range embedded {
			parties[id] = party
		}
	}
	if strings.TrimSpace(c.options.Dir) != "" {
		local, loadErrs := LoadDir(c.options.Dir)
		errs = append(errs, loadErrs...)
		for id, party := range local {
			parties[id] = party
		}
	}
	for _, err := range errs {
		c.logger.Warn("party definition skipped", map[string]string{logging.FieldError: err.Error()})
	}

	c.mu.Lock()
	c.parties = parties
	c.mu.Unlock()

	ids := c.IDs()
	c.logger.Info("parties loaded", map[string]string{"parties": strings.Join(ids, ",")})
	if c.options.OnReload != nil {
		c.options.OnReload(ids)
	}
	return errs
}

func (c *Catalog) Get(id string) (Party, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	party, ok := c.parties[id]
	if !ok {
		return Party{}, ErrUnknownParty
	}
	return party, nil
}

func (c *Catalog) List() []Party {
	c.mu.RLock()
	parties := make([]Party, 0, len(c.parties))
	for _, party := range c.parties {
		parties = append(parties, party)
	}
	c.mu.RUnlock()
	sort.Slice(parties, func(i, j int) bool { return parties[i].ID < parties[j].ID })
	return parties
}

func (c *Catalog) IDs() []string {
	parties := c.List()
	ids := make([]string, len(parties))
	for i, party := range parties {
		ids[i] = party.ID
	}
	return ids
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.parties)
}

// Watch reloads the catalog when files in the directory change, until ctx
// ends or Close is called.
func (c *Catalog) Watch(ctx context.Context) error {
	if strings.TrimSpace(c.options.Dir) == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.options.Dir); err != nil {
		_ = watcher.Close()
		return err
	}
	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	go c.run(ctx, watcher)
	return nil
}

func (c *Catalog) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			c.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("party watcher error", map[string]string{logging.FieldError: err.Error()})
		case <-ctx.Done():
			c.Close()
			return
		case <-c.done:
			return
		}
	}
}

func (c *Catalog) scheduleReload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Reset(c.options.Debounce)
		return
	}
	c.timer = time.AfterFunc(c.options.Debounce, func() {
		c.mu.Lock()
		c.timer = nil
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.Reload()
		}
	})
}

func (c *Catalog) Close() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		watcher := c.watcher
		c.mu.Unlock()
		close(c.done)
		if watcher != nil {
			err = watcher.Close()
		}
	})
	return err
}

func relevant(event fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(event.Name), ".toml") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
