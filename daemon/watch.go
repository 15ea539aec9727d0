package daemon

import (
	"context"

	"github.com/radiocosmology/alpenhorn/cmn/nlog"
	"github.com/radiocosmology/alpenhorn/fswatch"
)

// syncWatchers starts a fswatch.Watcher for every locally-rooted node that
// doesn't already have one, and stops watchers for nodes that dropped out of
// the reconciled set, keeping the watched tree in step with RefreshNodes
// (spec.md §4.F's filesystem-watch boundary).
func (d *Daemon) syncWatchers() {
	live := map[uint]bool{}
	for id, ns := range d.Loop.Nodes() {
		if !ns.Node.Local(d.Loop.Host) {
			continue
		}
		live[id] = true
		if _, ok := d.watchers[id]; ok {
			continue
		}
		d.startWatcher(id, ns.Node.Root)
	}
	for id, cancel := range d.watchers {
		if !live[id] {
			cancel()
			delete(d.watchers, id)
		}
	}
}

func (d *Daemon) startWatcher(nodeID uint, root string) {
	w, err := fswatch.New(root)
	if err != nil {
		nlog.Warningf("daemon: fswatch on %s: %s", root, err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.watchers[nodeID] = cancel
	go func() {
		out := make(chan fswatch.Event, 16)
		go w.Run(ctx, out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-out:
				if !ok {
					return
				}
				select {
				case d.watchCh <- watchEvent{nodeID: nodeID, relPath: ev.RelPath}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// drainWatchEvents feeds every fswatch event queued since the last pass into
// the update loop's single-threaded dispatch. Draining happens here, from
// the main loop goroutine, rather than from the watcher goroutines
// themselves, so update.Loop.NotifyWatch never has to be safe for
// concurrent use.
func (d *Daemon) drainWatchEvents() {
	for {
		select {
		case ev := <-d.watchCh:
			d.Loop.NotifyWatch(ev.nodeID, ev.relPath)
		default:
			return
		}
	}
}

func (d *Daemon) stopWatchers() {
	for id, cancel := range d.watchers {
		cancel()
		delete(d.watchers, id)
	}
}
