package watch

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/taskvault/server/task"
	"github.com/taskvault/server/vault"
)

// operationLeave is sent when a task stops matching a subscriber's board,
// for example when it is archived out of intake or moves past the watched
// stages.
const operationLeave = "leave"

// Board selects the tasks one subscriber sees. An empty field matches
// every value.
type Board struct {
	Stages    []task.Stage     `json:"stages,omitempty"`
	Locations []vault.Location `json:"locations,omitempty"`
}

func (b Board) Match(t task.Task) bool {
	if len(b.Stages) > 0 && !slices.Contains(b.Stages, t.Stage) {
		return false
	}
	if len(b.Locations) > 0 && !slices.Contains(b.Locations, t.Location) {
		return false
	}
	return true
}

// StageCounts is the number of board tasks per lifecycle stage.
type StageCounts map[task.Stage]int

// BoardView is a board's tasks at subscription time, bodies stripped.
type BoardView struct {
	Tasks  []task.Task `json:"tasks"`
	Counts StageCounts `json:"counts"`
}

// TaskListWatcher pushes task store changes to feed subscribers, each
// scoped to its own board. It keeps a body-less copy of every task so a
// change can be reported as a stage move and so tasks leaving a board
// are announced.
type TaskListWatcher struct {
	*BaseWatcher
	store   task.Store
	eventCh chan task.ChangeEvent
	dirty   atomic.Bool // set when an event is dropped; triggers full sync

	mu     sync.Mutex
	known  map[string]task.Task
	boards map[string]Board
}

func NewTaskListWatcher(store task.Store) *TaskListWatcher {
	w := &TaskListWatcher{
		BaseWatcher: NewBaseWatcher("tl"),
		store:       store,
		eventCh:     make(chan task.ChangeEvent, 64),
		known:       make(map[string]task.Task),
		boards:      make(map[string]Board),
	}
	store.AddOnChangeListener(w)
	return w
}

func (w *TaskListWatcher) Start() error {
	if _, err := w.reload(); err != nil {
		return err
	}
	go w.eventLoop()
	slog.Info("task list watcher started")
	return nil
}

func (w *TaskListWatcher) Stop() {
	w.Cancel()
	slog.Info("task list watcher stopped")
}

func (w *TaskListWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case event := <-w.eventCh:
			if w.dirty.Swap(false) {
				w.notifySync()
			} else {
				w.notifyChange(event)
			}
			w.pruneBoards()
		}
	}
}

// reload replaces the known task set with the store's current contents.
func (w *TaskListWatcher) reload() ([]task.Task, error) {
	tasks, err := w.store.List()
	if err != nil {
		return nil, err
	}
	known := make(map[string]task.Task, len(tasks))
	for i := range tasks {
		tasks[i].Body = ""
		known[tasks[i].ID] = tasks[i]
	}
	w.mu.Lock()
	w.known = known
	w.mu.Unlock()
	return tasks, nil
}

// apply records event and returns the task as it was known before.
func (w *TaskListWatcher) apply(event task.ChangeEvent) (prev task.Task, hadPrev bool, cur task.Task) {
	cur = event.Task
	cur.Body = ""

	w.mu.Lock()
	defer w.mu.Unlock()
	prev, hadPrev = w.known[cur.ID]
	if event.Op == task.OperationDelete {
		delete(w.known, cur.ID)
	} else {
		w.known[cur.ID] = cur
	}
	return prev, hadPrev, cur
}

func (w *TaskListWatcher) boardOf(id string) Board {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.boards[id]
}

func (w *TaskListWatcher) counts(board Board) StageCounts {
	w.mu.Lock()
	defer w.mu.Unlock()
	counts := StageCounts{}
	for _, t := range w.known {
		if board.Match(t) {
			counts[t.Stage]++
		}
	}
	return counts
}

// pruneBoards forgets boards whose subscriber was dropped for failing.
func (w *TaskListWatcher) pruneBoards() {
	live := make(map[string]bool)
	for _, sub := range w.snapshot() {
		live[sub.ID] = true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.boards {
		if !live[id] {
			delete(w.boards, id)
		}
	}
}

func (w *TaskListWatcher) notifyChange(event task.ChangeEvent) {
	prev, hadPrev, cur := w.apply(event)
	if !w.HasSubscriptions() {
		return
	}

	w.NotifyAll("task.list.changed", func(sub *Subscription) any {
		board := w.boardOf(sub.ID)
		was := hadPrev && board.Match(prev)
		is := event.Op != task.OperationDelete && board.Match(cur)
		if !was && !is {
			return nil
		}

		params := taskListChangedParams{
			ID:        sub.ID,
			Operation: string(event.Op),
			Counts:    w.counts(board),
		}
		if hadPrev && prev.Stage != cur.Stage {
			params.PreviousStage = prev.Stage
		}
		switch {
		case event.Op == task.OperationDelete:
			params.TaskID = cur.ID
		case !is:
			params.Operation = operationLeave
			params.TaskID = cur.ID
		default:
			item := cur
			params.Task = &item
		}
		return params
	})

	slog.Debug("notified task list change", "operation", event.Op, "task", cur.ID)
}

// notifySync sends every subscriber its full board after dropped events.
func (w *TaskListWatcher) notifySync() {
	tasks, err := w.reload()
	if err != nil {
		slog.Error("failed to list tasks for sync", "error", err)
		return
	}
	if !w.HasSubscriptions() {
		return
	}

	w.NotifyAll("task.list.changed", func(sub *Subscription) any {
		view := w.view(w.boardOf(sub.ID), tasks)
		return taskListSyncParams{
			ID:        sub.ID,
			Operation: "sync",
			Tasks:     view.Tasks,
			Counts:    view.Counts,
		}
	})

	slog.Info("sent full task sync to subscribers after event drop")
}

func (w *TaskListWatcher) view(board Board, tasks []task.Task) BoardView {
	view := BoardView{Tasks: []task.Task{}, Counts: StageCounts{}}
	for _, t := range tasks {
		if board.Match(t) {
			view.Tasks = append(view.Tasks, t)
			view.Counts[t.Stage]++
		}
	}
	return view
}

// Subscribe registers a subscriber for board and returns the board's
// current contents.
func (w *TaskListWatcher) Subscribe(notifier Notifier, board Board) (string, BoardView, error) {
	id := w.GenerateID()
	w.mu.Lock()
	w.boards[id] = board
	w.mu.Unlock()
	// Subscribe before listing so no change falls in between.
	w.AddSubscription(&Subscription{ID: id, Notifier: notifier})

	tasks, err := w.reload()
	if err != nil {
		w.Unsubscribe(id)
		return "", BoardView{}, err
	}
	return id, w.view(board, tasks), nil
}

func (w *TaskListWatcher) Unsubscribe(id string) {
	w.RemoveSubscription(id)
	w.mu.Lock()
	delete(w.boards, id)
	w.mu.Unlock()
}

type taskListChangedParams struct {
	ID            string      `json:"id"`
	Operation     string      `json:"operation"`
	Task          *task.Task  `json:"task,omitempty"`
	TaskID        string      `json:"taskId,omitempty"`
	PreviousStage task.Stage  `json:"previousStage,omitempty"`
	Counts        StageCounts `json:"counts"`
}

type taskListSyncParams struct {
	ID        string      `json:"id"`
	Operation string      `json:"operation"`
	Tasks     []task.Task `json:"tasks"`
	Counts    StageCounts `json:"counts"`
}

// OnTaskChange implements task.OnChangeListener. It must not block.
func (w *TaskListWatcher) OnTaskChange(event task.ChangeEvent) {
	select {
	case <-w.Context().Done():
		return
	case w.eventCh <- event:
	default:
		w.dirty.Store(true)
		slog.Warn("task list change event dropped, will sync on next event", "operation", event.Op)
	}
}
