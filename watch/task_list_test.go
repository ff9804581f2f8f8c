package watch

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/taskvault/server/task"
	"github.com/taskvault/server/vault"
)

type captureNotifier struct {
	mu      sync.Mutex
	params  []json.RawMessage
	methods []string
}

func (n *captureNotifier) Notify(_ context.Context, notif Notification) error {
	data, _ := json.Marshal(notif.Params)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params = append(n.params, data)
	n.methods = append(n.methods, notif.Method)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.params)
}

func (n *captureNotifier) last() json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.params) == 0 {
		return nil
	}
	return n.params[len(n.params)-1]
}

type mockTaskStore struct {
	mu    sync.Mutex
	tasks []task.Task
	task.Store
	listener task.OnChangeListener
}

func (m *mockTaskStore) List() ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.Task, len(m.tasks))
	copy(out, m.tasks)
	return out, nil
}

func (m *mockTaskStore) AddOnChangeListener(l task.OnChangeListener) {
	m.listener = l
}

func TestTaskListWatcher_Subscribe(t *testing.T) {
	store := &mockTaskStore{
		tasks: []task.Task{
			{ID: "t1", Title: "Task 1", Stage: task.StageWatch, Body: "body"},
			{ID: "t2", Title: "Task 2", Stage: task.StageWatch},
		},
	}
	w := NewTaskListWatcher(store)

	id, view, err := w.Subscribe(nil, Board{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Error("expected non-empty subscription ID")
	}
	if len(view.Tasks) != 2 {
		t.Errorf("expected 2 items, got %d", len(view.Tasks))
	}
	if view.Tasks[0].Body != "" {
		t.Errorf("body should not be returned, got %q", view.Tasks[0].Body)
	}
	if view.Counts[task.StageWatch] != 2 {
		t.Errorf("counts = %v", view.Counts)
	}
	if store.listener == nil {
		t.Error("watcher did not register with the store")
	}
}

func TestTaskListWatcher_SubscribeBoard(t *testing.T) {
	store := &mockTaskStore{
		tasks: []task.Task{
			{ID: "t1", Stage: task.StageWatch, Location: vault.Intake},
			{ID: "t2", Stage: task.StageAct, Location: vault.Intake},
			{ID: "t3", Stage: task.StageClose, Location: vault.DoneSuccess},
		},
	}
	w := NewTaskListWatcher(store)

	tests := []struct {
		name   string
		board  Board
		want   []string
		counts StageCounts
	}{
		{"everything", Board{}, []string{"t1", "t2", "t3"}, StageCounts{task.StageWatch: 1, task.StageAct: 1, task.StageClose: 1}},
		{"by stage", Board{Stages: []task.Stage{task.StageWatch, task.StageAct}}, []string{"t1", "t2"}, StageCounts{task.StageWatch: 1, task.StageAct: 1}},
		{"by location", Board{Locations: []vault.Location{vault.DoneSuccess}}, []string{"t3"}, StageCounts{task.StageClose: 1}},
		{"both", Board{Stages: []task.Stage{task.StageAct}, Locations: []vault.Location{vault.DoneSuccess}}, nil, StageCounts{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, view, err := w.Subscribe(nil, tt.board)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, tk := range view.Tasks {
				got = append(got, tk.ID)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("tasks = %v, want %v", got, tt.want)
			}
			if !maps.Equal(view.Counts, tt.counts) {
				t.Errorf("counts = %v, want %v", view.Counts, tt.counts)
			}
		})
	}
}

func TestTaskListWatcher_Unsubscribe(t *testing.T) {
	w := NewTaskListWatcher(&mockTaskStore{})

	id, _, _ := w.Subscribe(nil, Board{Stages: []task.Stage{task.StageWatch}})
	w.Unsubscribe(id)

	if w.HasSubscriptions() {
		t.Error("expected HasSubscriptions to be false")
	}
	if len(w.boards) != 0 {
		t.Errorf("boards = %v, want none", w.boards)
	}
}

func TestTaskListWatcher_NotifyChange(t *testing.T) {
	w := NewTaskListWatcher(&mockTaskStore{})
	w.Start()
	defer w.Stop()

	notifier := &captureNotifier{}
	w.Subscribe(notifier, Board{})

	w.OnTaskChange(task.ChangeEvent{
		Op:   task.OperationCreate,
		Task: task.Task{ID: "t1", Title: "New", Stage: task.StageWatch, Body: "long body"},
	})

	waitFor(t, func() bool { return notifier.count() >= 1 })

	var params taskListChangedParams
	json.Unmarshal(notifier.last(), &params)
	if params.Operation != "create" {
		t.Errorf("operation = %q, want %q", params.Operation, "create")
	}
	if params.Task == nil || params.Task.ID != "t1" {
		t.Fatal("expected task with ID t1")
	}
	if params.Task.Body != "" {
		t.Errorf("body should not be pushed, got %q", params.Task.Body)
	}
	if params.PreviousStage != "" {
		t.Errorf("previousStage = %q, want none for a new task", params.PreviousStage)
	}
	if params.Counts[task.StageWatch] != 1 {
		t.Errorf("counts = %v", params.Counts)
	}
}

func TestTaskListWatcher_NotifyDelete(t *testing.T) {
	w := NewTaskListWatcher(&mockTaskStore{tasks: []task.Task{{ID: "t1", Stage: task.StageWatch}}})
	w.Start()
	defer w.Stop()

	notifier := &captureNotifier{}
	w.Subscribe(notifier, Board{})

	w.OnTaskChange(task.ChangeEvent{Op: task.OperationDelete, Task: task.Task{ID: "t1", Stage: task.StageWatch}})

	waitFor(t, func() bool { return notifier.count() >= 1 })

	var params taskListChangedParams
	json.Unmarshal(notifier.last(), &params)
	if params.Operation != "delete" || params.TaskID != "t1" {
		t.Errorf("params = %+v", params)
	}
	if len(params.Counts) != 0 {
		t.Errorf("counts = %v, want empty", params.Counts)
	}
}

func TestTaskListWatcher_StageMoves(t *testing.T) {
	store := &mockTaskStore{
		tasks: []task.Task{{ID: "t1", Stage: task.StageWatch, Location: vault.Intake}},
	}
	w := NewTaskListWatcher(store)
	w.Start()
	defer w.Stop()

	notifier := &captureNotifier{}
	w.Subscribe(notifier, Board{Stages: []task.Stage{task.StageWatch, task.StageWrite}})

	w.OnTaskChange(task.ChangeEvent{Op: task.OperationUpdate, Task: task.Task{ID: "t1", Stage: task.StageWrite, Location: vault.Intake}})
	waitFor(t, func() bool { return notifier.count() >= 1 })

	var moved taskListChangedParams
	json.Unmarshal(notifier.last(), &moved)
	if moved.Operation != "update" || moved.PreviousStage != task.StageWatch {
		t.Errorf("move within board = %+v", moved)
	}
	if moved.Task == nil || moved.Task.Stage != task.StageWrite {
		t.Errorf("task = %+v, want stage WRITE", moved.Task)
	}
	if !maps.Equal(moved.Counts, StageCounts{task.StageWrite: 1}) {
		t.Errorf("counts = %v", moved.Counts)
	}

	w.OnTaskChange(task.ChangeEvent{Op: task.OperationUpdate, Task: task.Task{ID: "t1", Stage: task.StageReason, Location: vault.Intake}})
	waitFor(t, func() bool { return notifier.count() >= 2 })

	var left taskListChangedParams
	json.Unmarshal(notifier.last(), &left)
	if left.Operation != operationLeave || left.TaskID != "t1" || left.Task != nil {
		t.Errorf("move off board = %+v", left)
	}
	if left.PreviousStage != task.StageWrite || len(left.Counts) != 0 {
		t.Errorf("move off board = %+v", left)
	}

	// Off the board, further changes are not pushed.
	w.OnTaskChange(task.ChangeEvent{Op: task.OperationUpdate, Task: task.Task{ID: "t1", Stage: task.StagePlan, Location: vault.Intake}})
	w.OnTaskChange(task.ChangeEvent{Op: task.OperationCreate, Task: task.Task{ID: "t2", Stage: task.StageWatch, Location: vault.Intake}})
	waitFor(t, func() bool { return notifier.count() >= 3 })

	var created taskListChangedParams
	json.Unmarshal(notifier.last(), &created)
	if notifier.count() != 3 || created.Task == nil || created.Task.ID != "t2" {
		t.Errorf("count = %d, last = %+v", notifier.count(), created)
	}
}

func TestTaskListWatcher_OnlyMatchingBoardsAreNotified(t *testing.T) {
	w := NewTaskListWatcher(&mockTaskStore{})
	w.Start()
	defer w.Stop()

	done := &captureNotifier{}
	w.Subscribe(done, Board{Locations: []vault.Location{vault.DoneSuccess}})
	all := &captureNotifier{}
	w.Subscribe(all, Board{})

	w.OnTaskChange(task.ChangeEvent{Op: task.OperationCreate, Task: task.Task{ID: "t1", Stage: task.StageWatch, Location: vault.Intake}})
	w.OnTaskChange(task.ChangeEvent{Op: task.OperationComplete, Task: task.Task{ID: "t1", Stage: task.StageClose, Location: vault.DoneSuccess}})

	waitFor(t, func() bool { return all.count() >= 2 && done.count() >= 1 })
	if done.count() != 1 {
		t.Fatalf("done board got %d notifications, want 1", done.count())
	}

	var params taskListChangedParams
	json.Unmarshal(done.last(), &params)
	if params.Operation != "complete" || params.Task == nil || params.Task.Location != vault.DoneSuccess {
		t.Errorf("params = %+v", params)
	}
	if params.PreviousStage != task.StageWatch {
		t.Errorf("previousStage = %q, want WATCH", params.PreviousStage)
	}
}

func TestTaskListWatcher_DirtyFlag_SyncsAfterDrop(t *testing.T) {
	store := &mockTaskStore{
		tasks: []task.Task{
			{ID: "t1", Stage: task.StageWatch},
			{ID: "t2", Stage: task.StageAct},
			{ID: "t3", Stage: task.StageWatch},
		},
	}
	w := NewTaskListWatcher(store)
	w.eventCh = make(chan task.ChangeEvent, 1)

	notifier := &captureNotifier{}
	w.Subscribe(notifier, Board{Stages: []task.Stage{task.StageWatch}})
	w.dirty.Store(true)

	w.Start()
	defer w.Stop()

	w.eventCh <- task.ChangeEvent{Op: task.OperationUpdate, Task: task.Task{ID: "t1"}}

	waitFor(t, func() bool { return notifier.count() >= 1 })

	var params taskListSyncParams
	if err := json.Unmarshal(notifier.last(), &params); err != nil {
		t.Fatalf("unmarshal sync params: %v", err)
	}
	if params.Operation != "sync" || len(params.Tasks) != 2 {
		t.Errorf("params = %+v", params)
	}
	if !maps.Equal(params.Counts, StageCounts{task.StageWatch: 2}) {
		t.Errorf("counts = %v", params.Counts)
	}
	if w.dirty.Load() {
		t.Error("dirty flag should be cleared after sync")
	}
}

func TestTaskListWatcher_OnTaskChange_AfterStop(t *testing.T) {
	w := NewTaskListWatcher(&mockTaskStore{})
	w.Start()
	w.Stop()

	// Should not block or panic
	w.OnTaskChange(task.ChangeEvent{Op: task.OperationCreate, Task: task.Task{ID: "t1"}})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
