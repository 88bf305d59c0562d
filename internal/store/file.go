package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// File keeps the document in a JSON file. Writes go through a temporary file
// and a rename so readers never see a partial document.
type File struct {
	path string
	log  *zap.Logger

	mu      sync.Mutex
	seen    []byte
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// OpenFile returns a store backed by path. The file need not exist.
func OpenFile(path string, log *zap.Logger) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	return &File{path: abs, log: log}, nil
}

// Path returns the absolute file path.
func (f *File) Path() string { return f.path }

func (f *File) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := f.read()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.seen = b
	f.mu.Unlock()
	return bytes.Clone(b), nil
}

func (f *File) read() ([]byte, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	return b, nil
}

func (f *File) Save(ctx context.Context, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".settings-*")
	if err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	f.seen = bytes.Clone(doc)
	return nil
}

func (f *File) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: %w", err)
	}
	f.seen = nil
	return nil
}

// Watch calls onChange whenever another writer changes the file. Changes the
// store made itself are not reported. It returns once the watch is installed;
// the watch ends with ctx or Close.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// the directory, since rename replaces the file's inode
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if f.watcher != nil {
		f.mu.Unlock()
		cancel()
		watcher.Close()
		return errors.New("file store: already watching")
	}
	f.watcher, f.cancel, f.done = watcher, cancel, make(chan struct{})
	f.mu.Unlock()

	go f.watchLoop(ctx, watcher, onChange)
	return nil
}

func (f *File) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer close(f.done)
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			f.handleEvent(event, onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("settings watch error", zap.Error(err))
		}
	}
}

func (f *File) handleEvent(event fsnotify.Event, onChange func()) {
	if filepath.Clean(event.Name) != f.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	b, err := f.read()
	if err != nil {
		f.log.Warn("settings reload failed", zap.String("path", f.path), zap.Error(err))
		return
	}
	f.mu.Lock()
	same := bytes.Equal(b, f.seen) && (b == nil) == (f.seen == nil)
	if !same {
		f.seen = b
	}
	f.mu.Unlock()
	if same {
		return
	}
	f.log.Debug("settings changed on disk", zap.String("path", f.path), zap.Stringer("op", event.Op))
	onChange()
}

// Close stops the watch, if any.
func (f *File) Close() error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
