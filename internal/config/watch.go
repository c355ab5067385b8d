package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Watch re-loads the config file whenever it is written and hands the parsed
// result to onChange. Each event triggers one read of the file: empty reads
// are skipped (a writer that truncates before writing exposes an empty
// intermediate state), reads identical to the last applied contents are
// skipped, and contents that fail to parse are logged and skipped; the
// previous config stays in effect throughout. The returned stop function
// detaches the watcher.
//
// The parent directory is watched rather than the file itself because many
// editors and config management tools replace the file via rename, which
// would otherwise silently drop the watch.
func Watch(path string, logger Logger, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)

	// The contents present at startup are already in effect; only a change to
	// different, parseable bytes fires the callback.
	lastApplied, _ := os.ReadFile(path)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					if logger != nil {
						logger.Printf("config reload skipped: %v", err)
					}
					continue
				}
				if len(bytes.TrimSpace(data)) == 0 {
					continue
				}
				if bytes.Equal(data, lastApplied) {
					continue
				}
				cfg, err := parse(data, path)
				if err != nil {
					if logger != nil {
						logger.Printf("config reload skipped: %v", err)
					}
					continue
				}
				lastApplied = data
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("config watcher error: %v", err)
				}
			}
		}
	}()

	return func() {
		_ = watcher.Close()
		<-done
	}, nil
}
