package tasks

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileSystemEvent represents a file system change
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// FileSystemWatcher monitors directories for new or changed set files.
type FileSystemWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan FileSystemEvent
	watchDirs []string
	match     func(string) bool
	logger    *slog.Logger
	done      chan struct{}
}

// NewFileSystemWatcher creates a watcher reporting events for files
// accepted by match; a nil match accepts particle set files.
func NewFileSystemWatcher(watchPaths []string, match func(string) bool, logger *slog.Logger) (*FileSystemWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if match == nil {
		match = IsParticleSetFile
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &FileSystemWatcher{
		watcher:   watcher,
		Events:    make(chan FileSystemEvent, 100),
		watchDirs: watchPaths,
		match:     match,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories
func (fsw *FileSystemWatcher) Start() error {
	for _, dir := range fsw.watchDirs {
		if err := fsw.watcher.Add(dir); err != nil {
			return err
		}
		fsw.logger.Info("Watching directory", "dir", dir)
	}

	go fsw.processEvents()
	return nil
}

// Stop stops the filesystem watcher. Events is closed once the event loop exits.
func (fsw *FileSystemWatcher) Stop() error {
	close(fsw.done)
	return fsw.watcher.Close()
}

func (fsw *FileSystemWatcher) processEvents() {
	defer close(fsw.Events)
	for {
		select {
		case event, ok := <-fsw.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}

			if !fsw.match(event.Name) {
				continue
			}

			var size int64
			if operation != "deleted" {
				if info, err := os.Stat(event.Name); err == nil {
					size = info.Size()
				}
			}

			fsEvent := FileSystemEvent{
				Path:      event.Name,
				Operation: operation,
				Time:      time.Now(),
				Size:      size,
			}

			select {
			case fsw.Events <- fsEvent:
			case <-fsw.done:
				return
			default:
				fsw.logger.Warn("Event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-fsw.watcher.Errors:
			if !ok {
				return
			}
			fsw.logger.Error("Filesystem watcher error", "error", err)

		case <-fsw.done:
			return
		}
	}
}

// OutputSuffix marks particle sets written by ctfrefine.
const OutputSuffix = "_goctf.sqlite"

// IsParticleSetFile reports whether path looks like an input particle set:
// a .sqlite file that ctfrefine did not write itself.
func IsParticleSetFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return filepath.Ext(name) == ".sqlite" && !strings.HasSuffix(name, OutputSuffix)
}

// OutputSetPath returns the refined set path written next to input.
func OutputSetPath(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + OutputSuffix
}
