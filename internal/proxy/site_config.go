package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"focusshield/settings"
)

// Fetch modes a site profile can select.
const (
	ModeHTTP  = "http"
	ModeJS    = "js"
	ModeStrip = "strip"
)

// SiteConfig is a per-host fetch profile read from <sites dir>/<host>.json
// (or .yaml).
type SiteConfig struct {
	Mode    string            `json:"mode" yaml:"mode"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`

	// js mode only
	WaitSelector string `json:"waitSelector,omitempty" yaml:"waitSelector"`
	WaitAfterMS  int    `json:"waitAfterMs,omitempty" yaml:"waitAfterMs"`
	TimeoutMS    int    `json:"timeoutMs,omitempty" yaml:"timeoutMs"`
}

var profileExts = []string{".json", ".yaml", ".yml"}

type siteConfigStore struct {
	dir   string
	log   *zap.Logger
	mu    sync.RWMutex
	cache map[string]*SiteConfig
}

func newSiteConfigStore(dir string, log *zap.Logger) *siteConfigStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &siteConfigStore{
		dir:   dir,
		log:   log,
		cache: make(map[string]*SiteConfig),
	}
}

// Find returns the profile for target's host, trying the host and then each
// parent domain (news.example.com, example.com, com). Results, including
// misses, are cached.
func (s *siteConfigStore) Find(target string) *SiteConfig {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil
	}
	host := settings.NormalizeHost(u.Host)
	s.mu.RLock()
	if cfg, ok := s.cache[host]; ok {
		s.mu.RUnlock()
		return cfg
	}
	s.mu.RUnlock()

	var found *SiteConfig
	labels := strings.Split(host, ".")
	for i := 0; i < len(labels) && found == nil; i++ {
		found = s.load(strings.Join(labels[i:], "."))
	}
	s.mu.Lock()
	s.cache[host] = found
	s.mu.Unlock()
	return found
}

// Invalidate forgets cached lookups, e.g. after profiles change on disk.
func (s *siteConfigStore) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]*SiteConfig)
	s.mu.Unlock()
}

// Watch invalidates the cache whenever a file in the profile directory
// changes, until ctx is done. A missing directory is not an error.
func (s *siteConfigStore) Watch(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	if _, err := os.Stat(s.dir); err != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch site profiles: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch site profiles: %w", err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.log.Debug("site profile changed", zap.String("file", filepath.Base(ev.Name)), zap.String("op", ev.Op.String()))
				s.Invalidate()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("site profile watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *siteConfigStore) load(host string) *SiteConfig {
	if s.dir == "" || host == "" || strings.ContainsAny(host, `/\`) {
		return nil
	}
	for _, ext := range profileExts {
		path := filepath.Join(s.dir, host+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cfg SiteConfig
		if ext == ".json" {
			err = json.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			s.log.Warn("ignoring malformed site profile", zap.String("file", path), zap.Error(err))
			return nil
		}
		cfg.Mode = strings.TrimSpace(strings.ToLower(cfg.Mode))
		switch cfg.Mode {
		case ModeHTTP, ModeJS, ModeStrip:
		default:
			cfg.Mode = ModeHTTP
		}
		return &cfg
	}
	return nil
}
