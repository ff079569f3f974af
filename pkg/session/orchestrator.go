package session

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/storage"
	"github.com/vantage6/vantage6/pkg/types"
)

// handleKey identifies one dataframe slot within a session.
type handleKey struct {
	sessionID int
	handle    string
}

// Orchestrator decides when a submitted task is announced to nodes.
// Session-modifying tasks on the same (session, handle) run one at a time;
// tasks that depend on unfinished work are held until the dependency
// finishes, and marked "depended on failed task" if it fails.
type Orchestrator struct {
	mgr    *manager.Manager
	logger zerolog.Logger

	mu sync.Mutex
	// active holds the task id of the modifier currently allowed to run
	// per handle; queued holds modifiers waiting behind it, in
	// submission order.
	active map[handleKey]int
	queued map[handleKey][]int
	// waiters maps an unfinished upstream task id to the tasks held back
	// by it; blockers counts how many upstreams each held task still has.
	waiters  map[int][]int
	blockers map[int]int
}

func NewOrchestrator(mgr *manager.Manager) *Orchestrator {
	return &Orchestrator{
		mgr:      mgr,
		logger:   log.WithComponent("session"),
		active:   make(map[handleKey]int),
		queued:   make(map[handleKey][]int),
		waiters:  make(map[int][]int),
		blockers: make(map[int]int),
	}
}

// Admit takes a freshly persisted task and either announces it to the
// collaboration's nodes or holds it until its blockers clear. Tasks whose
// dependency has already failed never dispatch; their runs are terminated
// immediately.
func (o *Orchestrator) Admit(task *types.Task) error {
	upstream, failed, err := o.collectBlockers(task)
	if err != nil {
		return err
	}
	if failed {
		return o.failRuns(task)
	}

	o.mu.Lock()
	held := false

	if task.Action.IsSessionModifying() {
		key, err := o.modifierKey(task)
		if err != nil {
			o.mu.Unlock()
			return err
		}
		if cur, busy := o.active[key]; busy && cur != task.ID {
			o.queued[key] = append(o.queued[key], task.ID)
			held = true
		} else {
			o.active[key] = task.ID
		}
	}

	if len(upstream) > 0 {
		o.blockers[task.ID] = len(upstream)
		for _, up := range upstream {
			o.waiters[up] = append(o.waiters[up], task.ID)
		}
		held = true
	}
	o.mu.Unlock()

	if held {
		o.logger.Debug().
			Int("task_id", task.ID).
			Ints("upstream", upstream).
			Msg("task held pending dependencies")
		return nil
	}
	return o.dispatch(task)
}

// OnRunUpdated is called after every run status change. When the run's task
// reaches a finished state, the orchestrator releases whatever was waiting
// on it.
func (o *Orchestrator) OnRunUpdated(run *types.Run) error {
	task, err := o.mgr.Store().GetTask(run.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	runs, err := o.mgr.Store().ListRunsByTask(task.ID)
	if err != nil {
		return err
	}
	status := types.RollUpStatus(runs)
	if !status.IsFinished() {
		return nil
	}
	return o.taskFinished(task, status == types.TaskFailed)
}

// taskFinished unblocks the handle queue and any dependent tasks.
func (o *Orchestrator) taskFinished(task *types.Task, failed bool) error {
	var release []int

	o.mu.Lock()
	if task.Action.IsSessionModifying() {
		if key, err := o.modifierKey(task); err == nil && o.active[key] == task.ID {
			delete(o.active, key)
			if next := o.queued[key]; len(next) > 0 {
				o.active[key] = next[0]
				o.queued[key] = next[1:]
				if len(o.queued[key]) == 0 {
					delete(o.queued, key)
				}
				release = append(release, next[0])
			}
		}
	}

	var ready, doomed []int
	for _, waiter := range o.waiters[task.ID] {
		if failed {
			doomed = append(doomed, waiter)
			delete(o.blockers, waiter)
			continue
		}
		o.blockers[waiter]--
		if o.blockers[waiter] == 0 {
			delete(o.blockers, waiter)
			ready = append(ready, waiter)
		}
	}
	delete(o.waiters, task.ID)
	o.mu.Unlock()

	for _, id := range doomed {
		t, err := o.mgr.Store().GetTask(id)
		if err != nil {
			o.logger.Warn().Err(err).Int("task_id", id).Msg("doomed task vanished")
			continue
		}
		if err := o.failRuns(t); err != nil {
			return err
		}
	}
	for _, id := range append(release, ready...) {
		t, err := o.mgr.Store().GetTask(id)
		if err != nil {
			o.logger.Warn().Err(err).Int("task_id", id).Msg("released task vanished")
			continue
		}
		// a released modifier may itself still have blockers; a released
		// waiter may still be queued behind a modifier
		if o.stillHeld(t.ID) {
			continue
		}
		// a queued task doomed by another dependency has nothing left to run
		runs, err := o.mgr.Store().ListRunsByTask(t.ID)
		if err != nil {
			return err
		}
		if types.RollUpStatus(runs).IsFinished() {
			continue
		}
		if err := o.dispatch(t); err != nil {
			return err
		}
	}
	return nil
}

// stillHeld reports whether a task remains queued or blocked after one of
// its holds cleared.
func (o *Orchestrator) stillHeld(taskID int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.blockers[taskID] > 0 {
		return true
	}
	for _, q := range o.queued {
		for _, id := range q {
			if id == taskID {
				return true
			}
		}
	}
	return false
}

// collectBlockers returns the ids of unfinished tasks this task must wait
// for: its explicit depends_on task plus, for compute tasks, the last
// modifier of every referenced dataframe that is not yet ready. failed is
// true when any such dependency already finished in a failed state.
func (o *Orchestrator) collectBlockers(task *types.Task) (upstream []int, failed bool, err error) {
	seen := make(map[int]bool)

	check := func(id int) error {
		if id == 0 || id == task.ID || seen[id] {
			return nil
		}
		seen[id] = true
		runs, err := o.mgr.Store().ListRunsByTask(id)
		if err != nil {
			return err
		}
		switch status := types.RollUpStatus(runs); {
		case status == types.TaskFailed:
			failed = true
		case !status.IsFinished():
			upstream = append(upstream, id)
		}
		return nil
	}

	if err := check(task.DependsOnTaskID); err != nil {
		return nil, false, err
	}

	if task.Action.IsCompute() {
		for _, slot := range task.Databases {
			for _, ref := range slot {
				if ref.Type != types.DBRefDataframe {
					continue
				}
				df, err := o.resolveRef(task, ref)
				if err != nil {
					return nil, false, err
				}
				if df == nil || df.LastSessionTaskID == 0 {
					continue
				}
				if err := check(df.LastSessionTaskID); err != nil {
					return nil, false, err
				}
			}
		}
	}
	return upstream, failed, nil
}

// resolveRef finds the dataframe a DB-ref points at, by id or by handle
// within the task's session. A missing dataframe is the node's problem to
// report, not a submission error.
func (o *Orchestrator) resolveRef(task *types.Task, ref types.DBRef) (*types.Dataframe, error) {
	var (
		df  *types.Dataframe
		err error
	)
	if ref.DataframeID != 0 {
		df, err = o.mgr.Store().GetDataframe(ref.DataframeID)
	} else {
		df, err = o.mgr.Store().GetDataframeByHandle(task.SessionID, ref.Handle)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return df, err
}

// modifierKey derives the handle slot a session-modifying task occupies.
func (o *Orchestrator) modifierKey(task *types.Task) (handleKey, error) {
	df, err := o.mgr.Store().GetDataframe(task.DataframeID)
	if err != nil {
		return handleKey{}, err
	}
	return handleKey{sessionID: df.SessionID, handle: df.Handle}, nil
}

// dispatch announces the task to every node in the collaboration.
func (o *Orchestrator) dispatch(task *types.Task) error {
	o.logger.Info().
		Int("task_id", task.ID).
		Int("collaboration_id", task.CollaborationID).
		Str("action", string(task.Action)).
		Msg("dispatching task")

	if d := o.mgr.Dispatcher(); d != nil {
		d.ToCollaboration(task.CollaborationID, "new_task", map[string]any{
			"task_id":          task.ID,
			"collaboration_id": task.CollaborationID,
			"parent_id":        task.ParentTaskID,
		})
	}
	return nil
}

// failRuns terminates every unfinished run of a task whose dependency
// failed, then cascades to the task's own dependents.
func (o *Orchestrator) failRuns(task *types.Task) error {
	runs, err := o.mgr.Store().ListRunsByTask(task.ID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status.IsFinished() {
			continue
		}
		_, err := o.mgr.PatchRun(run.ID, &manager.RunPatch{Status: types.RunDependsFailed})
		if err != nil {
			return err
		}
	}
	o.logger.Warn().
		Int("task_id", task.ID).
		Msg("task terminated: depended on failed task")
	return o.taskFinished(task, true)
}
