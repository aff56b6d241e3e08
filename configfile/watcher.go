package configfile

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	triage "github.com/webqx/triage-engine"
	"github.com/webqx/triage-engine/telemetry/logging"
)

// Watch re-reads path whenever it changes and hands the tunable subset to
// apply. It blocks until ctx is done. Reload errors are logged and the
// previous settings stay in effect.
func Watch(ctx context.Context, path string, log logging.Logger, apply func(triage.Tunables)) error {
	if log == nil {
		log = logging.Nop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files rather than write in place.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target, _ := filepath.Abs(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(ev.Name)
			if abs != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			f, err := Load(path)
			if err != nil {
				log.WarnCtx(ctx, "config reload failed", "path", path, "error", err)
				continue
			}
			apply(f.Tunables())
			log.InfoCtx(ctx, "config reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WarnCtx(ctx, "config watcher error", "error", err)
		}
	}
}
