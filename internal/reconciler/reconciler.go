// Package reconciler runs the candidate-side countdown for one attempt.
//
// All state is owned by the goroutine running Run. Network calls happen on
// helper goroutines and their results are applied by the loop in the order
// they arrive, so a late response always overrides an earlier one and a
// local decrement never runs on a value older than the latest reply.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
)

const (
	DefaultTick           = time.Second
	DefaultResyncInterval = 30 * time.Second
	DefaultCallTimeout    = 10 * time.Second
)

var (
	// ErrBatchDropped is reported when the server moved to another subject
	// while answers for the previous one were still unsent.
	ErrBatchDropped = errors.New("unsent answers dropped: subject changed on server")
	// ErrSubmitInFlight is reported when a submit is requested while one is pending.
	ErrSubmitInFlight = errors.New("a submission is already in flight")
	// ErrNotRunning is returned by the command methods once Run has exited.
	ErrNotRunning = errors.New("reconciler is not running")
)

// API is the subset of the attempt endpoints the reconciler needs.
type API interface {
	Status(ctx context.Context, attemptID uuid.UUID) (*model.AttemptState, error)
	Sync(ctx context.Context, attemptID uuid.UUID) (*model.TimerSnapshot, error)
	SubmitSubject(ctx context.Context, attemptID uuid.UUID, subjectIndex int, batch []model.AnswerEntry) (*model.AttemptState, error)
	SubmitExam(ctx context.Context, attemptID uuid.UUID, subjectIndex *int, batch []model.AnswerEntry) (*model.AttemptState, error)
}

// Coded is implemented by API errors that carry a server error code.
type Coded interface {
	ErrCode() response.ErrCode
}

// Config tunes the loop. Zero values take the defaults.
type Config struct {
	Tick           time.Duration
	ResyncInterval time.Duration
	CallTimeout    time.Duration

	// OnChange is called from the loop after every state change.
	OnChange func(View)
	// OnError is called from the loop for failed calls and dropped batches.
	OnError func(error)
}

// View is a read-only copy of the loop state.
type View struct {
	AttemptID      uuid.UUID
	Status         model.AttemptStatus
	CurrentSubject int
	SubjectCount   int
	Remaining      time.Duration
	Handled        bool
	Submitting     bool
	Pending        int
}

type callKind int

const (
	callStatus callKind = iota
	callSync
	callSubmit
)

type result struct {
	kind    callKind
	state   *model.AttemptState
	snap    *model.TimerSnapshot
	subject int
	batch   []model.AnswerEntry
	err     error
}

// Reconciler drives one attempt's countdown.
type Reconciler struct {
	api       API
	attemptID uuid.UUID
	cfg       Config
	log       zerolog.Logger

	results  chan result
	// Unbuffered so a command is only accepted by a running loop.
	commands chan func(context.Context)
	done     chan struct{}

	// Loop-owned.
	status         model.AttemptStatus
	current        int
	subjectCount   int
	remaining      time.Duration
	handled        bool
	submitting     bool
	syncing        bool
	refreshing     bool
	pending        map[int]model.AnswerEntry
	pendingSubject int
	last           *model.AttemptState
}

// New creates a Reconciler for attemptID.
func New(api API, attemptID uuid.UUID, cfg Config, log zerolog.Logger) *Reconciler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Reconciler{
		api:       api,
		attemptID: attemptID,
		cfg:       cfg,
		log:       log.With().Str("component", "reconciler").Str("attempt_id", attemptID.String()).Logger(),
		results:   make(chan result, 8),
		commands:  make(chan func(context.Context)),
		done:      make(chan struct{}),
		pending:   map[int]model.AnswerEntry{},
	}
}

// Run loads the attempt and counts down until it is terminal or ctx ends.
// It returns the last full state received from the server.
func (r *Reconciler) Run(ctx context.Context) (*model.AttemptState, error) {
	defer close(r.done)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	state, err := r.api.Status(callCtx, r.attemptID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("initial status: %w", err)
	}
	r.adopt(state)
	r.notify()
	if r.status.IsTerminal() {
		return r.last, nil
	}

	tick := time.NewTicker(r.cfg.Tick)
	defer tick.Stop()
	resync := time.NewTicker(r.cfg.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.last, ctx.Err()
		case <-tick.C:
			r.onTick(ctx)
		case <-resync.C:
			r.startSync(ctx)
		case res := <-r.results:
			r.apply(ctx, res)
		case cmd := <-r.commands:
			cmd(ctx)
		}
		if r.status.IsTerminal() && !r.submitting {
			return r.last, nil
		}
	}
}

// Stage records answers for the current subject. They are sent with the
// next submission, whether user-initiated or triggered by the countdown.
func (r *Reconciler) Stage(entries ...model.AnswerEntry) error {
	return r.send(func(context.Context) {
		for _, e := range entries {
			r.pending[e.QuestionIndex] = e
		}
		r.pendingSubject = r.current
		r.notify()
	})
}

// Submit submits the current subject with the staged answers.
func (r *Reconciler) Submit() error {
	return r.send(func(ctx context.Context) { r.startSubmit(ctx, false) })
}

// Finish submits the whole attempt with the staged answers.
func (r *Reconciler) Finish() error {
	return r.send(func(ctx context.Context) { r.startSubmit(ctx, true) })
}

func (r *Reconciler) send(cmd func(context.Context)) error {
	select {
	case r.commands <- cmd:
		return nil
	case <-r.done:
		return ErrNotRunning
	}
}

func (r *Reconciler) onTick(ctx context.Context) {
	if r.status != model.AttemptStatusInProgress {
		return
	}
	if r.remaining > 0 {
		r.remaining = max(r.remaining-r.cfg.Tick, 0)
		r.notify()
	}
	if r.remaining == 0 && !r.handled {
		// One submission per zero-crossing; reset only when the subject changes.
		r.handled = true
		r.log.Info().Int("subject", r.current).Msg("Local countdown reached zero, submitting")
		r.startSubmit(ctx, false)
	}
}

func (r *Reconciler) startSync(ctx context.Context) {
	if r.syncing || r.status.IsTerminal() {
		return
	}
	r.syncing = true
	r.call(ctx, callSync, func(c context.Context) result {
		snap, err := r.api.Sync(c, r.attemptID)
		return result{snap: snap, err: err}
	})
}

func (r *Reconciler) startRefresh(ctx context.Context) {
	if r.refreshing {
		return
	}
	r.refreshing = true
	r.call(ctx, callStatus, func(c context.Context) result {
		state, err := r.api.Status(c, r.attemptID)
		return result{state: state, err: err}
	})
}

func (r *Reconciler) startSubmit(ctx context.Context, final bool) {
	if r.submitting {
		r.reportError(ErrSubmitInFlight)
		return
	}
	if r.status.IsTerminal() {
		return
	}

	batch := r.takePending()
	subject := r.current
	r.submitting = true
	r.notify()

	r.call(ctx, callSubmit, func(c context.Context) result {
		var (
			state *model.AttemptState
			err   error
		)
		if final {
			state, err = r.api.SubmitExam(c, r.attemptID, &subject, batch)
		} else {
			state, err = r.api.SubmitSubject(c, r.attemptID, subject, batch)
		}
		return result{state: state, subject: subject, batch: batch, err: err}
	})
}

// call runs fn off the loop and delivers its result back to it.
func (r *Reconciler) call(ctx context.Context, kind callKind, fn func(context.Context) result) {
	go func() {
		c, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		res := fn(c)
		cancel()
		res.kind = kind
		select {
		case r.results <- res:
		case <-r.done:
		case <-ctx.Done():
		}
	}()
}

func (r *Reconciler) apply(ctx context.Context, res result) {
	switch res.kind {
	case callSync:
		r.syncing = false
		if res.err != nil {
			r.reportError(fmt.Errorf("sync: %w", res.err))
			return
		}
		if res.snap.CurrentSubject != r.current || res.snap.Status != r.status {
			// The server moved on without us; drop local state and reload.
			r.log.Info().
				Int("local_subject", r.current).
				Int("server_subject", res.snap.CurrentSubject).
				Str("server_status", string(res.snap.Status)).
				Msg("Server state diverged, refreshing")
			r.startRefresh(ctx)
			return
		}
		r.remaining = seconds(res.snap.TimeRemaining)
		r.notify()

	case callStatus:
		r.refreshing = false
		if res.err != nil {
			r.reportError(fmt.Errorf("status: %w", res.err))
			return
		}
		r.adopt(res.state)
		r.notify()

	case callSubmit:
		r.submitting = false
		if res.err != nil {
			r.restore(res.subject, res.batch)
			r.reportError(fmt.Errorf("submit subject %d: %w", res.subject, res.err))
			if isStale(res.err) {
				r.startRefresh(ctx)
			}
			r.notify()
			return
		}
		r.adopt(res.state)
		r.notify()
	}
}

// adopt replaces local state with the server's.
func (r *Reconciler) adopt(state *model.AttemptState) {
	if state == nil {
		return
	}
	if state.CurrentSubject != r.current || r.last == nil {
		r.handled = false
	}
	if len(r.pending) > 0 && r.pendingSubject != state.CurrentSubject {
		r.pending = map[int]model.AnswerEntry{}
		r.reportError(ErrBatchDropped)
	}

	r.last = state
	r.status = state.Status
	r.current = state.CurrentSubject
	r.pendingSubject = state.CurrentSubject
	r.remaining = seconds(state.TimeRemaining)
	if state.Exam != nil {
		r.subjectCount = len(state.Exam.Subjects)
	} else if n := len(state.Subjects); n > r.subjectCount {
		r.subjectCount = n
	}
}

func (r *Reconciler) takePending() []model.AnswerEntry {
	batch := make([]model.AnswerEntry, 0, len(r.pending))
	for _, e := range r.pending {
		batch = append(batch, e)
	}
	r.pending = map[int]model.AnswerEntry{}
	return batch
}

// restore puts a failed batch back. Entries staged since then win.
func (r *Reconciler) restore(subject int, batch []model.AnswerEntry) {
	if subject != r.current {
		if len(batch) > 0 {
			r.reportError(ErrBatchDropped)
		}
		return
	}
	for _, e := range batch {
		if _, newer := r.pending[e.QuestionIndex]; !newer {
			r.pending[e.QuestionIndex] = e
		}
	}
	r.pendingSubject = subject
}

func (r *Reconciler) view() View {
	return View{
		AttemptID:      r.attemptID,
		Status:         r.status,
		CurrentSubject: r.current,
		SubjectCount:   r.subjectCount,
		Remaining:      r.remaining,
		Handled:        r.handled,
		Submitting:     r.submitting,
		Pending:        len(r.pending),
	}
}

func (r *Reconciler) notify() {
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(r.view())
	}
}

func (r *Reconciler) reportError(err error) {
	r.log.Warn().Err(err).Msg("Reconciler error")
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}

func isStale(err error) bool {
	var coded Coded
	return errors.As(err, &coded) && coded.ErrCode() == response.ErrStaleSubject
}

func seconds(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
