// Package hosts is the host directory: which machines serve terminal
// sessions, and which of them is this process.
//
// Hosts live in the hosts table. When a seed file is configured it is the
// source of truth: every load upserts the hosts it lists and removes the
// rest, and Watch reloads it whenever it changes on disk.
package hosts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gluk-w/termhub/internal/crashguard"
	"github.com/gluk-w/termhub/internal/database"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrHostNotFound = errors.New("host not found")

const reloadDebounce = 100 * time.Millisecond

type seedFile struct {
	Hosts []seedHost `yaml:"hosts"`
}

type seedHost struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Self bool   `yaml:"self"`
}

// Directory resolves host ids.
type Directory struct {
	db     *gorm.DB
	selfID string
}

// New returns a directory backed by db. selfID names this process; an empty
// host id always means self as well.
func New(db *gorm.DB, selfID string) *Directory {
	return &Directory{db: db, selfID: selfID}
}

// LoadFile replaces the hosts table with the hosts listed in a YAML seed
// file.
func (d *Directory) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read hosts file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse hosts file %s: %w", path, err)
	}

	rows := make([]database.Host, 0, len(seed.Hosts))
	ids := make([]string, 0, len(seed.Hosts))
	for i, h := range seed.Hosts {
		if h.ID == "" {
			return fmt.Errorf("hosts file %s: entry %d has no id", path, i)
		}
		if !h.Self {
			if _, err := baseURL(h.URL); err != nil {
				return fmt.Errorf("hosts file %s: host %s: %w", path, h.ID, err)
			}
		}
		name := h.Name
		if name == "" {
			name = h.ID
		}
		rows = append(rows, database.Host{ID: h.ID, Name: name, URL: h.URL, Self: h.Self})
		ids = append(ids, h.ID)
	}

	err = d.db.Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "url", "self", "updated_at"}),
			}).Create(&rows).Error; err != nil {
				return err
			}
			return tx.Where("id NOT IN ?", ids).Delete(&database.Host{}).Error
		}
		return tx.Where("1 = 1").Delete(&database.Host{}).Error
	})
	if err != nil {
		return fmt.Errorf("store hosts: %w", err)
	}
	log.Printf("[hosts] loaded %d hosts from %s", len(rows), path)
	return nil
}

// Watch reloads path whenever it is written or replaced, until ctx ends.
// The parent directory is watched so editors that rename over the file are
// noticed.
func (d *Directory) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create hosts watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	crashguard.Go("hosts watcher", func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					defer crashguard.Recover("hosts reload")
					if err := d.LoadFile(path); err != nil {
						log.Printf("[hosts] reload failed, keeping previous hosts: %v", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[hosts] watcher error: %v", err)
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
		}
	})
	return nil
}

// Lookup returns the host with id.
func (d *Directory) Lookup(id string) (database.Host, error) {
	var h database.Host
	err := d.db.First(&h, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return h, fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	if err != nil {
		return h, fmt.Errorf("lookup host %s: %w", id, err)
	}
	return h, nil
}

// List returns every known host ordered by id.
func (d *Directory) List() ([]database.Host, error) {
	var hosts []database.Host
	if err := d.db.Order("id").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// IsSelf reports whether id refers to this process.
func (d *Directory) IsSelf(id string) bool {
	if id == "" || id == d.selfID {
		return true
	}
	h, err := d.Lookup(id)
	return err == nil && h.Self
}

// RemoteURL builds the terminal WebSocket URL for a session on h.
func RemoteURL(h database.Host, name, socket string) (string, error) {
	u, err := baseURL(h.URL)
	if err != nil {
		return "", fmt.Errorf("host %s: %w", h.ID, err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("name", name)
	if socket != "" {
		q.Set("socket", socket)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func baseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid url %q: scheme must be http(s) or ws(s)", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
