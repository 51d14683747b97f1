package relevo

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WatchConfig reloads path whenever it changes. A new version string is the
// only thing that triggers an update; other edits take effect with the next
// version. The directory is watched so editors that replace the file by
// rename are seen too.
func (s *Service) WatchConfig(path string) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-s.stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				s.reloadConfig(path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("config watcher", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *Service) reloadConfig(path string) {
	cfg, err := LoadConfig(path)
	if err != nil {
		s.log.Warn("reload config", zap.String("path", path), zap.Error(err))
		return
	}
	if cfg.Version == s.config().Version {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	w, err := s.reg.Update(ctx, cfg)
	if err != nil {
		s.log.Warn("update worker", zap.String("version", cfg.Version), zap.Error(err))
		return
	}
	if w != nil {
		s.cfg.Store(cfg)
		s.log.Info("config reloaded", zap.String("version", cfg.Version), zap.Stringer("state", w.State()))
	}
}
