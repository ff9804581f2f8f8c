package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskvault/server/vault"
)

const (
	debounceInterval         = 100 * time.Millisecond
	DefaultReconcileInterval = 30 * time.Second
	defaultBuffer            = 256
)

var ErrObserverRunning = errors.New("observer already running")

type EventKind string

const (
	TaskArrived        EventKind = "task_arrived"
	ErrorReportArrived EventKind = "error_report_arrived"
	PlanPending        EventKind = "plan_pending"
	PlanApproved       EventKind = "plan_approved"
	PlanRejected       EventKind = "plan_rejected"
)

// Event reports that a document appeared in a watched location. ID is the
// task id encoded in the file name, when there is one.
type Event struct {
	Kind EventKind
	Path string
	ID   string
}

var watchedLocations = []vault.Location{
	vault.Intake, vault.PlansPending, vault.PlansApproved, vault.PlansRejected,
}

type ObserverOptions struct {
	// ReconcileInterval is how often every watched location is rescanned
	// to recover events fsnotify dropped. Zero uses the default; a
	// negative value disables rescans.
	ReconcileInterval time.Duration
	Buffer            int
}

// Observer watches the intake and plan approval locations and emits typed
// events. Notifications are best effort; the periodic rescan re-emits every
// document present so consumers must treat events as idempotent hints.
type Observer struct {
	vault *vault.Vault
	opts  ObserverOptions

	watcher *fsnotify.Watcher
	events  chan Event

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	timerMu  sync.Mutex
	timerMap map[string]*time.Timer
}

func NewObserver(v *vault.Vault, opts ObserverOptions) *Observer {
	if opts.ReconcileInterval == 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Observer{
		vault:    v,
		opts:     opts,
		events:   make(chan Event, opts.Buffer),
		timerMap: make(map[string]*time.Timer),
	}
}

// Events returns the channel events are delivered on. It is never closed;
// consumers stop reading when their own context ends.
func (o *Observer) Events() <-chan Event { return o.events }

// Start begins watching. An observer may be started again after Stop.
func (o *Observer) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return ErrObserverRunning
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, loc := range watchedLocations {
		dir := o.vault.Dir(loc)
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return err
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}
	o.watcher = watcher
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true

	o.wg.Add(1)
	go o.eventLoop()
	if o.opts.ReconcileInterval > 0 {
		o.wg.Add(1)
		go o.reconcileLoop()
	}
	slog.Info("observer started", "root", o.vault.Root())
	return nil
}

// Stop ends the current run. It is a no-op when the observer is not
// running.
func (o *Observer) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if !o.running {
		return
	}
	o.running = false

	o.cancel()
	o.watcher.Close()

	o.timerMu.Lock()
	for _, timer := range o.timerMap {
		timer.Stop()
	}
	o.timerMap = make(map[string]*time.Timer)
	o.timerMu.Unlock()

	o.wg.Wait()
	slog.Info("observer stopped")
}

func (o *Observer) eventLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			o.handleEvent(event)
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", "error", err)
		}
	}
}

func (o *Observer) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if vault.IsTemp(event.Name) || !strings.HasSuffix(event.Name, ".md") {
		return
	}
	path := event.Name

	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.ctx.Err() != nil {
		return
	}
	if timer, exists := o.timerMap[path]; exists {
		timer.Stop()
	}
	o.timerMap[path] = time.AfterFunc(debounceInterval, func() {
		o.timerMu.Lock()
		delete(o.timerMap, path)
		o.timerMu.Unlock()
		o.notifyPath(path)
	})
}

// notifyPath emits an event for path if it still exists. A rename reports
// the old name, which is gone by now; the new name arrives as a Create.
func (o *Observer) notifyPath(path string) {
	if o.ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	ev, ok := o.classify(path)
	if !ok {
		return
	}
	o.emit(ev)
}

func (o *Observer) classify(path string) (Event, bool) {
	loc, ok := o.vault.LocationOf(filepath.Dir(path))
	if !ok {
		return Event{}, false
	}
	name := filepath.Base(path)
	ev := Event{Path: path}
	switch loc {
	case vault.Intake:
		if strings.HasPrefix(name, "ERROR_") {
			ev.Kind = ErrorReportArrived
		} else {
			ev.Kind = TaskArrived
			ev.ID = trimAffixes(name, "TASK_")
		}
	case vault.PlansPending:
		ev.Kind = PlanPending
		ev.ID = trimAffixes(name, "PLAN_")
	case vault.PlansApproved:
		ev.Kind = PlanApproved
		ev.ID = trimAffixes(name, "PLAN_")
	case vault.PlansRejected:
		ev.Kind = PlanRejected
		ev.ID = trimAffixes(name, "PLAN_")
	default:
		return Event{}, false
	}
	return ev, true
}

func trimAffixes(name, prefix string) string {
	if !strings.HasPrefix(name, prefix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".md")
}

// emit never blocks the watcher. A dropped event is recovered by the next
// rescan.
func (o *Observer) emit(ev Event) {
	select {
	case <-o.ctx.Done():
	case o.events <- ev:
	default:
		slog.Warn("observer event dropped, will recover on rescan", "kind", ev.Kind, "path", ev.Path)
	}
}

func (o *Observer) reconcileLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.Reconcile()
		}
	}
}

// Reconcile emits an event for every task and plan document currently in
// a watched location. Error reports do not drive any task, so a rescan
// leaves them out; they are announced once, when fsnotify sees them.
func (o *Observer) Reconcile() {
	for _, loc := range watchedLocations {
		names, err := o.vault.List(loc, "")
		if err != nil {
			slog.Error("observer rescan failed", "location", loc, "error", err)
			continue
		}
		for _, name := range names {
			if o.ctx.Err() != nil {
				return
			}
			ev, ok := o.classify(o.vault.Path(loc, name))
			if !ok || ev.Kind == ErrorReportArrived {
				continue
			}
			o.emit(ev)
		}
	}
}
