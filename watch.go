package ndb

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ndblabs/ndb/internal/hnsw"
	"github.com/ndblabs/ndb/internal/manifest"
	"github.com/ndblabs/ndb/internal/segment"
)

// Watcher is an optional, read-only helper that refreshes a Collection's
// published state whenever a writer process publishes a new manifest. It
// addresses multi-process readers having no signal to refresh their view;
// the core itself never watches anything on its own.
type Watcher struct {
	coll *Collection
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// WatchCollection starts watching c's directory for manifest changes,
// reloading segments and the index into c whenever a new one is published.
// Call Close on the returned Watcher to stop.
func WatchCollection(c *Collection) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, newErr("watch", KindIO, "create fsnotify watcher", err)
	}
	if err := fsw.Add(c.dir); err != nil {
		fsw.Close()
		return nil, newErr("watch", KindIO, fmt.Sprintf("watch collection directory %s", c.dir), err)
	}

	w := &Watcher{coll: c, fsw: fsw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	log := w.coll.log.With().Str("component", "watch").Logger()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != manifest.Filename {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				log.Warn().Err(err).Str("collection", w.coll.Name()).Msg("failed to reload after manifest change")
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("collection", w.coll.Name()).Msg("fsnotify error")
		}
	}
}

// reload re-reads the manifest and swaps in freshly opened segments and
// index, matching the sequence openCollection runs at startup minus WAL
// replay (a watched reader never appends).
func (w *Watcher) reload() error {
	c := w.coll
	if err := c.manifestStore.Reload(); err != nil {
		return err
	}
	m := c.manifestStore.Current()
	if m == nil {
		return nil
	}

	var segs []*segment.Reader
	for _, se := range m.Segments {
		r, err := segment.Open(filepath.Join(c.dir, se.Filename))
		if err != nil {
			for _, opened := range segs {
				opened.Close()
			}
			return err
		}
		segs = append(segs, r)
	}

	var idx *hnsw.Graph
	if m.IndexFile != "" {
		var err error
		idx, err = hnsw.ReadFile(filepath.Join(c.dir, m.IndexFile))
		if err != nil {
			for _, opened := range segs {
				opened.Close()
			}
			return err
		}
	}

	old := *c.segments.Load()
	c.segments.Store(&segs)
	if idx != nil {
		c.index.Store(idx)
	} else {
		c.index.Store(nil)
	}
	for _, s := range old {
		s.Close()
	}
	return nil
}

// Close stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
