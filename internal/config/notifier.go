package config

import (
	"github.com/fsnotify/fsnotify"
)

// notifier adapts fsnotify for the watcher loop. It watches the config
// file's parent directory (so atomic save-and-rename is seen even after the
// original inode disappears) and translates raw events into a single
// relevance signal.
type notifier struct {
	fs     *fsnotify.Watcher
	path   string
	events chan bool
	errors chan error
	done   chan struct{}
}

func newNotifier(dir, path string) (*notifier, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}
	_ = fs.Add(path) // best effort; the file may not exist yet

	n := &notifier{
		fs:     fs,
		path:   path,
		events: make(chan bool),
		errors: make(chan error),
		done:   make(chan struct{}),
	}
	go n.run()
	return n, nil
}

func (n *notifier) run() {
	defer close(n.events)
	defer close(n.errors)
	for {
		select {
		case <-n.done:
			return
		case event, ok := <-n.fs.Events:
			if !ok {
				return
			}
			relevant := event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
			// After a rename or create the old inode is gone from the
			// watch; re-add the file path.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = n.fs.Add(n.path)
			}
			select {
			case n.events <- relevant:
			case <-n.done:
				return
			}
		case err, ok := <-n.fs.Errors:
			if !ok {
				return
			}
			select {
			case n.errors <- err:
			case <-n.done:
				return
			}
		}
	}
}

func (n *notifier) Close() {
	close(n.done)
	n.fs.Close()
}
