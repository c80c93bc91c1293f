package neuroflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/neuroflow-go/config"
	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/store"
	"github.com/dshills/neuroflow-go/journal"
)

// Reply is the outcome of a controller call.
type Reply struct {
	SessionID string
	Status    graph.Status
	// Response is the text for the user: the reply, the plan under review
	// when paused, or FailureResponse.
	Response string
	// Plan is the plan awaiting review when Status is paused.
	Plan  *Task
	State State
	Steps int
	// ApprovalExpired reports that a stale pending plan was discarded.
	ApprovalExpired bool
}

// Review is a human decision on a pending plan.
type Review struct {
	Decision graph.Decision
	// Edited replaces the plan before an approval.
	Edited *Task
	// Feedback tells the planner what was wrong with a rejected plan.
	Feedback string
}

// Controller runs conversation turns against a Flow.
//
// It serialises calls per session, rejecting overlapping ones with
// SessionBusyError, and keeps the latest state of every session it has
// seen. Different sessions run concurrently.
type Controller struct {
	flow    *Flow
	store   store.Store[State]
	journal journal.Journal
	cfg     *config.Config
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	busy     map[string]bool
	sessions map[string]State
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithJournal records interactions, patterns and tasks after each turn.
func WithJournal(j journal.Journal) ControllerOption {
	return func(c *Controller) { c.journal = j }
}

// WithLogger sets the controller's logger.
func WithLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now for turn timestamps and approval expiry.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController creates a Controller. st should be the store flow was
// built with; it is used to recover sessions and persist out-of-turn
// changes.
func NewController(flow *Flow, st store.Store[State], cfg *config.Config, opts ...ControllerOption) *Controller {
	c := &Controller{
		flow:     flow,
		store:    st,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		busy:     make(map[string]bool),
		sessions: make(map[string]State),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "controller"))
	return c
}

// NewSession starts a session and returns its identifier.
func (c *Controller) NewSession() string {
	id := uuid.NewString()
	c.mu.Lock()
	c.sessions[id] = NewState(id, c.now(), c.cfg.Economy.StartingBalance)
	c.mu.Unlock()
	c.logger.Info("session started", zap.String("session_id", id))
	return id
}

// Turn processes one user message. typing is how long the user spent
// writing it, or zero if unknown.
//
// A failed turn returns FailureResponse together with the error; the
// session keeps the state of the last stage that completed. While a plan is
// awaiting review Turn returns ErrAwaitingApproval, unless the approval
// timeout has passed, in which case the plan is discarded and the turn
// proceeds.
func (c *Controller) Turn(ctx context.Context, sessionID, input string, typing time.Duration) (Reply, error) {
	if sessionID == "" {
		return Reply{Status: graph.StatusFailed}, errors.New("neuroflow: session ID is required")
	}
	if err := c.acquire(sessionID); err != nil {
		return Reply{SessionID: sessionID, Status: graph.StatusFailed}, err
	}
	defer c.release(sessionID)

	expired, err := c.checkPending(ctx, sessionID)
	if err != nil {
		return Reply{SessionID: sessionID, Status: graph.StatusPaused}, err
	}

	prev, err := c.load(ctx, sessionID)
	if err != nil {
		return c.failed(sessionID, prev, err), err
	}
	st := c.beginTurn(prev, input, typing)

	res, err := c.flow.Run(ctx, sessionID, st)
	reply := c.finish(ctx, sessionID, res, err)
	if err != nil {
		c.rollback(ctx, sessionID, prev)
		reply.State = prev
	}
	reply.ApprovalExpired = expired
	return reply, err
}

// rollback restores the state from before a failed turn so that sending
// the same message again is a clean retry rather than a second message.
func (c *Controller) rollback(ctx context.Context, sessionID string, prev State) {
	if err := c.persist(ctx, sessionID, "rollback", prev); err != nil {
		c.logger.Warn("rollback not persisted", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// checkPending refuses a turn while a plan is under review and discards a
// review that has expired. It reports whether one was discarded.
func (c *Controller) checkPending(ctx context.Context, sessionID string) (bool, error) {
	cp, pending, err := c.flow.Pending(ctx, sessionID)
	if err != nil || !pending {
		return false, err
	}
	if !c.expired(cp.CreatedAt) {
		return false, ErrAwaitingApproval
	}
	if _, err := c.discard(ctx, sessionID); err != nil {
		return false, err
	}
	c.logger.Info("pending approval expired", zap.String("session_id", sessionID), zap.Time("paused_at", cp.CreatedAt))
	return true, nil
}

// Resume answers a pending plan review.
func (c *Controller) Resume(ctx context.Context, sessionID string, review Review) (Reply, error) {
	if err := c.acquire(sessionID); err != nil {
		return Reply{SessionID: sessionID, Status: graph.StatusFailed}, err
	}
	defer c.release(sessionID)

	cp, pending, err := c.flow.Pending(ctx, sessionID)
	if err != nil {
		return Reply{SessionID: sessionID, Status: graph.StatusFailed}, err
	}
	if !pending {
		return Reply{SessionID: sessionID, Status: graph.StatusFailed}, ErrNoPendingApproval
	}
	if c.expired(cp.CreatedAt) || review.Decision == graph.Cancel {
		reply, err := c.discard(ctx, sessionID)
		if err != nil {
			return reply, err
		}
		if review.Decision != graph.Cancel {
			reply.ApprovalExpired = true
			return reply, ErrApprovalExpired
		}
		return reply, nil
	}

	sig := graph.Resume[Update]{Decision: review.Decision}
	switch review.Decision {
	case graph.Approve:
		if review.Edited != nil {
			task := *review.Edited
			if task.ID == "" {
				task.ID = cp.State.Task.ID
			}
			if task.StartedAt.IsZero() {
				task.StartedAt = cp.State.Task.StartedAt
			}
			sig.Patch = &Update{Task: &task, PlanOutput: ptr(FormatPlan(task))}
		}
	case graph.Reject:
		feedback := strings.TrimSpace(review.Feedback)
		if feedback == "" {
			feedback = "make it smaller and simpler"
		}
		sig.Patch = &Update{Feedback: &feedback}
	}

	c.logger.Info("plan reviewed",
		zap.String("session_id", sessionID),
		zap.String("decision", string(review.Decision)),
		zap.Bool("edited", review.Edited != nil))

	res, err := c.flow.Resume(ctx, sessionID, sig)
	return c.finish(ctx, sessionID, res, err), err
}

// Cancel discards a pending plan without running anything.
func (c *Controller) Cancel(ctx context.Context, sessionID string) (Reply, error) {
	return c.Resume(ctx, sessionID, Review{Decision: graph.Cancel})
}

// Pending returns the plan awaiting review, if any.
func (c *Controller) Pending(ctx context.Context, sessionID string) (*Task, bool, error) {
	cp, ok, err := c.flow.Pending(ctx, sessionID)
	if err != nil || !ok {
		return nil, false, err
	}
	task := cp.State.Task
	return &task, true, nil
}

// CompleteTask marks the session's active task done, journals its actual
// duration for later calibration and books the completion reward.
func (c *Controller) CompleteTask(ctx context.Context, sessionID string, actualMinutes int) (State, error) {
	if err := c.acquire(sessionID); err != nil {
		return State{}, err
	}
	defer c.release(sessionID)

	st, err := c.load(ctx, sessionID)
	if err != nil {
		return st, err
	}
	if !st.Task.Active() {
		return st, ErrNoActiveTask
	}
	now := c.now()
	if actualMinutes <= 0 {
		actualMinutes = max(1, int(minutesBetween(st.Task.StartedAt, now)))
	}

	if c.journal != nil {
		if err := c.journal.CompleteTask(ctx, st.Task.ID, actualMinutes, now); err != nil && !errors.Is(err, journal.ErrNotFound) {
			return st, err
		}
	}

	task := st.Task
	task.Completed = true
	task.MicroSteps = append([]MicroStep(nil), task.MicroSteps...)
	for i := range task.MicroSteps {
		task.MicroSteps[i].Done = true
	}

	econ := st.Economy
	if pts := c.cfg.Economy.Points[config.EventTaskCompleted]; pts != 0 {
		tx := Transaction{Event: config.EventTaskCompleted, Points: pts, At: now, Description: "finished " + task.Description}
		econ.Transactions = append(append([]Transaction(nil), econ.Transactions...), tx)
		if limit := c.cfg.Economy.HistoryLimit; limit > 0 {
			econ.Transactions = keepLast(econ.Transactions, limit)
		}
		econ.Balance = min(100, max(0, econ.Balance+pts))
		econ.Forecast = Forecast(econ.Balance)
	}

	st = Reduce(st, Update{Task: &task, Economy: &econ})
	if err := c.persist(ctx, sessionID, "complete_task", st); err != nil {
		return st, err
	}
	c.logger.Info("task completed",
		zap.String("session_id", sessionID),
		zap.String("task_id", task.ID),
		zap.Int("actual_minutes", actualMinutes),
		zap.Int("realistic_minutes", task.RealisticMinutes))
	return st, nil
}

// Session returns the latest state of a session.
func (c *Controller) Session(ctx context.Context, sessionID string) (State, error) {
	return c.load(ctx, sessionID)
}

// beginTurn resets the per-turn fields and records this turn's signals.
func (c *Controller) beginTurn(prev State, input string, typing time.Duration) State {
	now := c.now()
	st := prev
	st.TurnAt = now
	st.InteractionCount++
	st.UserInput = input
	st.Signals = RecordSignals(prev.Signals, input, typing, now)

	st.Intent = IntentGeneralChat
	st.IntentConfidence = 0
	st.Priority = false
	st.BreakRequested = false

	st.PlanOutput = ""
	st.EnvironmentOutput = ""
	st.AnalysisOutput = ""
	st.InterruptOutput = ""
	st.TimeOutput = ""
	st.RewardOutput = ""
	st.Response = ""

	st.EscalationLevel = 0
	st.EscalationNote = ""
	st.RetryCount = 0
	st.QualityScore = 1.0
	st.QualityIssues = nil
	st.Feedback = ""
	st.NeedsApproval = false
	st.AwaitingApproval = false
	st.Approval = ""
	st.SynthesisAttempts = 0
	return st
}

func (c *Controller) finish(ctx context.Context, sessionID string, res graph.Result[State], runErr error) Reply {
	if res.State.SessionID != "" {
		c.mu.Lock()
		c.sessions[sessionID] = res.State
		c.mu.Unlock()
	}

	if runErr != nil {
		c.logger.Error("turn failed", zap.String("session_id", sessionID), zap.Int("steps", res.Steps), zap.Error(runErr))
		return c.failed(sessionID, res.State, runErr)
	}

	reply := Reply{
		SessionID: sessionID,
		Status:    res.Status,
		State:     res.State,
		Steps:     res.Steps,
	}
	switch res.Status {
	case graph.StatusPaused:
		task := res.State.Task
		reply.Plan = &task
		reply.Response = res.State.PlanOutput
	case graph.StatusCompleted:
		reply.Response = res.State.Response
		c.record(ctx, res.State)
	}

	c.logger.Debug("turn finished",
		zap.String("session_id", sessionID),
		zap.String("status", string(res.Status)),
		zap.String("intent", string(res.State.Intent)),
		zap.Int("steps", res.Steps),
		zap.Int("escalation_level", res.State.EscalationLevel),
		zap.Int("retry_count", res.State.RetryCount))
	return reply
}

func (c *Controller) failed(sessionID string, st State, err error) Reply {
	return Reply{SessionID: sessionID, Status: graph.StatusFailed, Response: FailureResponse, State: st}
}

// discard cancels the pending plan, drops the unapproved task and clears
// the approval flags.
func (c *Controller) discard(ctx context.Context, sessionID string) (Reply, error) {
	res, err := c.flow.Resume(ctx, sessionID, graph.Resume[Update]{Decision: graph.Cancel})
	if err != nil {
		return Reply{SessionID: sessionID, Status: graph.StatusFailed}, err
	}
	st := Reduce(res.State, Update{
		Task:             &Task{},
		PlanOutput:       ptr(""),
		AwaitingApproval: ptr(false),
		NeedsApproval:    ptr(false),
		Approval:         ptr(ApprovalCancelled),
	})
	if err := c.persist(ctx, sessionID, "cancel", st); err != nil {
		return Reply{SessionID: sessionID, Status: graph.StatusFailed, State: st}, err
	}
	c.logger.Info("pending plan discarded", zap.String("session_id", sessionID))
	return Reply{SessionID: sessionID, Status: graph.StatusCancelled, State: st}, nil
}

// record journals a completed turn. Journal failures are logged, not
// returned: the reply has already been produced.
func (c *Controller) record(ctx context.Context, st State) {
	if c.journal == nil {
		return
	}
	log := c.logger.With(zap.String("session_id", st.SessionID))

	in := journal.Interaction{
		SessionID:      st.SessionID,
		At:             st.TurnAt,
		SessionMinutes: minutesBetween(st.StartedAt, st.TurnAt),
	}
	if n := len(st.Signals.MessageLengths); n > 0 {
		in.MessageLength = st.Signals.MessageLengths[n-1]
	}
	if n := len(st.Signals.TypingSpeeds); n > 0 {
		in.TypingSpeed = st.Signals.TypingSpeeds[n-1]
	}
	if n := len(st.Signals.ResponseTimes); n > 0 {
		in.ResponseTime = st.Signals.ResponseTimes[n-1]
	}
	if st.Task.Active() {
		in.TaskID = st.Task.ID
	}
	if err := c.journal.RecordInteraction(ctx, in); err != nil {
		log.Warn("interaction not journaled", zap.Error(err))
	}

	if st.Pattern.DetectedAt.Equal(st.TurnAt) && st.Pattern.Label != PatternNone && st.Pattern.Label != "" {
		err := c.journal.RecordPattern(ctx, journal.PatternEvent{
			SessionID:    st.SessionID,
			At:           st.TurnAt,
			Pattern:      st.Pattern.Label,
			Confidence:   st.Pattern.Confidence,
			Level:        st.EscalationLevel,
			Context:      st.UserInput,
			Intervention: st.InterruptOutput,
		})
		if err != nil {
			log.Warn("pattern not journaled", zap.Error(err))
		}
	}

	if st.Approval == ApprovalGranted && st.Task.Active() && st.Task.StartedAt.Equal(st.TurnAt) {
		err := c.journal.SaveTask(ctx, journal.Task{
			TaskID:           st.Task.ID,
			SessionID:        st.SessionID,
			Description:      st.Task.Description,
			TaskType:         st.Task.Type,
			EstimatedMinutes: st.Task.EstimatedMinutes,
			EnergyAtStart:    st.Cognitive.Energy,
			StartedAt:        st.Task.StartedAt,
		})
		if err != nil {
			log.Warn("task not journaled", zap.Error(err))
		}
	}
}

// load returns the cached state, the last persisted step, or a new state.
func (c *Controller) load(ctx context.Context, sessionID string) (State, error) {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if ok {
		return st, nil
	}

	if c.store != nil {
		st, _, err := c.store.LoadLatest(ctx, sessionID)
		switch {
		case err == nil:
			return st, nil
		case !errors.Is(err, store.ErrNotFound):
			return State{}, err
		}
	}
	return NewState(sessionID, c.now(), c.cfg.Economy.StartingBalance), nil
}

// persist records an out-of-turn change in the cache and appends it to the
// session's step history.
func (c *Controller) persist(ctx context.Context, sessionID, label string, st State) error {
	c.mu.Lock()
	c.sessions[sessionID] = st
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	_, step, err := c.store.LoadLatest(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return c.store.SaveStep(ctx, sessionID, step+1, label, st)
}

func (c *Controller) expired(pausedAt time.Time) bool {
	timeout := c.cfg.Approval.Timeout
	return timeout > 0 && c.now().Sub(pausedAt) > timeout
}

func (c *Controller) acquire(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[sessionID] {
		return &SessionBusyError{SessionID: sessionID}
	}
	c.busy[sessionID] = true
	return nil
}

func (c *Controller) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, sessionID)
}
