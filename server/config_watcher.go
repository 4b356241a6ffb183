// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher reloads the version control and message sections when the config file changes.
// Every other section needs a restart.
type ConfigWatcher struct {
	logger  *zap.Logger
	config  Config
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
}

func NewConfigWatcher(logger *zap.Logger, config Config) (*ConfigWatcher, error) {
	path := config.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("config was not loaded from a file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory, not the file, so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &ConfigWatcher{
		logger:  logger,
		config:  config,
		path:    filepath.Clean(path),
		watcher: watcher,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()

	logger.Info("Watching config file for changes", zap.String("path", path))
	return w, nil
}

func (w *ConfigWatcher) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

// reload keeps the running config when the new file does not parse or validate.
func (w *ConfigWatcher) reload() {
	// Editors truncate before writing; an empty file is never a complete config.
	if info, err := os.Stat(w.path); err != nil || info.Size() == 0 {
		return
	}

	next, err := LoadConfig(w.logger, w.path)
	if err != nil {
		w.logger.Warn("Ignoring config change", zap.Error(err))
		return
	}
	if problems := ValidateConfig(next); len(problems) > 0 {
		w.logger.Warn("Ignoring invalid config change", zap.Any("problems", problems))
		return
	}

	w.config.Reload(next)
	w.logger.Info("Reloaded config",
		zap.Bool("version_control", next.GetVersionControl().Enabled),
		zap.Ints("allowed_versions", next.GetVersionControl().AllowedVersions))
}

func (w *ConfigWatcher) Stop() {
	close(w.done)
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("Failed to close config watcher", zap.Error(err))
	}
	<-w.stopped
}
