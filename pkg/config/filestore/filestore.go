package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/andrej220/remoterunner/pkg/config/configstore"
	"github.com/andrej220/remoterunner/pkg/lg"
)

var (
	_ configstore.ConfigStore = (*FileStore)(nil)
	_ configstore.Watcher     = (*FileStore)(nil)
)

// debounce folds the burst of events an editor save produces into one.
const debounce = 100 * time.Millisecond

// FileStore keeps one document in a file. Files ending in .json are read and
// written as JSON, anything else as YAML.
type FileStore struct {
	Path string
}

func New(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) isJSON() bool {
	return strings.EqualFold(filepath.Ext(f.Path), ".json")
}

// Exists reports whether the file is present.
func (f *FileStore) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

func (f *FileStore) Load(_ context.Context, out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}

	bytes, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("Load: %s: %w", f.Path, configstore.ErrNotFound)
		}
		return fmt.Errorf("Load: failed to read file %s: %w", f.Path, err)
	}
	if len(strings.TrimSpace(string(bytes))) == 0 {
		return fmt.Errorf("Load: config file %s is empty", f.Path)
	}

	if f.isJSON() {
		if err := json.Unmarshal(bytes, out); err != nil {
			return fmt.Errorf("Load: failed to parse JSON in %s: %w", f.Path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(bytes, out); err != nil {
		return fmt.Errorf("Load: failed to parse YAML in %s: %w", f.Path, err)
	}
	return nil
}

// Save replaces the file atomically. The file is created 0600 since it may
// hold credentials.
func (f *FileStore) Save(_ context.Context, in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}

	var (
		bytes []byte
		err   error
	)
	if f.isJSON() {
		bytes, err = json.MarshalIndent(in, "", "  ")
		bytes = append(bytes, '\n')
	} else {
		bytes, err = yaml.Marshal(in)
	}
	if err != nil {
		return fmt.Errorf("Save: failed to marshal: %w", err)
	}

	tmpPath := f.Path + ".tmp"
	if err := os.WriteFile(tmpPath, bytes, 0o600); err != nil {
		return fmt.Errorf("Save: failed to write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("Save: failed to replace %s with %s: %w", f.Path, tmpPath, err)
	}
	return nil
}

// Watch calls onChange after the file is written, created or replaced.
// The parent directory is watched so atomic replaces are seen too.
// It returns once the watcher is running; watching stops when ctx is done.
func (f *FileStore) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}
	logger := lg.FromContext(ctx)

	abs, err := filepath.Abs(f.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", f.Path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory of %s: %w", f.Path, err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				logger.Debug("config file changed", lg.String("path", f.Path), lg.String("op", event.Op.String()))
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, onChange)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("watcher error", lg.String("path", f.Path), lg.Err(err))
			}
		}
	}()
	return nil
}
