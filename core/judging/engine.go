// Package judging turns a task's submissions into a single winner. The
// external judge is best effort: any timeout, error or unusable reply falls
// back to a uniform pick from a seeded source so settlement never stalls on it.
package judging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bounty-settlement/clock"
	"bounty-settlement/core/settlement"
	"bounty-settlement/metrics"
)

// Judging paths, also used as metric labels.
const (
	PathJudge    = "judge"
	PathFallback = "fallback"
	PathNoWinner = "no_winner"
	PathExisting = "existing"
)

// Verdict is the judging outcome for one task.
type Verdict struct {
	TaskID             string
	WinnerSubmissionID string // empty on the no-winner path
	WinnerWallet       string
	Path               string
	Reason             string // why the fallback was taken
	Rationale          string
}

// HasWinner reports whether the verdict names a winning submission.
func (v Verdict) HasWinner() bool { return v.WinnerSubmissionID != "" }

// Engine is the Judging Engine.
type Engine struct {
	store   settlement.Store
	judge   settlement.Judge
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed fixes the fallback source so runs are reproducible.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.rng = newRand(seed) }
}

// WithTimeout bounds each judge call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l.With("component", "judging") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// NewEngine builds a Judging Engine. judge may be nil, in which case every
// task goes down the fallback path.
func NewEngine(store settlement.Store, judge settlement.Judge, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		judge:   judge,
		timeout: 30 * time.Second,
		clock:   clock.Real(),
		logger:  slog.Default().With("component", "judging"),
		tracer:  otel.Tracer("bounty-settlement/core/judging"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = newRand(rand.Uint64())
	}
	return e
}

// Judge picks the winner for task and persists it. It is idempotent: a task
// whose submissions already carry a winner gets that winner back unchanged.
// Only store failures are returned as errors.
func (e *Engine) Judge(ctx context.Context, task settlement.Task) (Verdict, error) {
	ctx, span := e.tracer.Start(ctx, "judging.Judge", trace.WithAttributes(attribute.String("task.id", task.TaskID)))
	defer span.End()

	v, err := e.run(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}
	span.SetAttributes(attribute.String("judging.path", v.Path), attribute.Bool("judging.winner", v.HasWinner()))
	e.metrics.Judgement(v.Path)
	return v, nil
}

func (e *Engine) run(ctx context.Context, task settlement.Task) (Verdict, error) {
	subs, err := e.store.ListSubmissions(ctx, task.TaskID)
	if err != nil {
		return Verdict{}, fmt.Errorf("list submissions: %w", err)
	}
	if len(subs) == 0 {
		e.logger.Info("no submissions, routing reward back to creator", "task_id", task.TaskID)
		return Verdict{TaskID: task.TaskID, Path: PathNoWinner}, nil
	}
	if v, ok := existingWinner(task.TaskID, subs); ok {
		e.logger.Debug("task already judged", "task_id", task.TaskID, "winner", v.WinnerSubmissionID)
		return v, nil
	}

	idx, scores, v := e.decide(ctx, task, subs)
	winner := subs[idx]
	v.TaskID = task.TaskID
	v.WinnerSubmissionID = winner.SubmissionID
	v.WinnerWallet = winner.SubmitterWallet

	err = e.store.RecordJudgement(ctx, task.TaskID, scores, winner.SubmissionID)
	if errors.Is(err, settlement.ErrAlreadyJudged) {
		fresh, lerr := e.store.ListSubmissions(ctx, task.TaskID)
		if lerr != nil {
			return Verdict{}, fmt.Errorf("reload submissions: %w", lerr)
		}
		if prior, ok := existingWinner(task.TaskID, fresh); ok {
			e.logger.Debug("lost judgement race, keeping prior winner", "task_id", task.TaskID, "winner", prior.WinnerSubmissionID)
			return prior, nil
		}
		return Verdict{}, err
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("record judgement: %w", err)
	}
	e.logger.Info("task judged", "task_id", task.TaskID, "winner", winner.SubmissionID, "path", v.Path, "submissions", len(subs))
	return v, nil
}

// decide returns the winning index, the scores to persist and a partially
// filled Verdict.
func (e *Engine) decide(ctx context.Context, task settlement.Task, subs []settlement.Submission) (int, []settlement.ScoreUpdate, Verdict) {
	res := e.callJudge(ctx, task, subs)
	if !res.OK {
		idx := e.pick(len(subs))
		e.logger.Info("judge fallback", "task_id", task.TaskID, "reason", res.Reason, "winner_index", idx)
		rationale := "fallback selection: " + res.Reason
		scores := []settlement.ScoreUpdate{{SubmissionID: subs[idx].SubmissionID, Rationale: rationale}}
		return idx, scores, Verdict{Path: PathFallback, Reason: res.Reason, Rationale: rationale}
	}

	p := res.Parsed
	scores := make([]settlement.ScoreUpdate, 0, len(subs))
	for i, sub := range subs {
		su := settlement.ScoreUpdate{SubmissionID: sub.SubmissionID}
		if s, ok := p.Scores[i]; ok {
			su.Score = &s
		}
		if i == p.WinnerIndex {
			su.Rationale = p.Rationale
		}
		if su.Score == nil && su.Rationale == "" {
			continue
		}
		scores = append(scores, su)
	}
	return p.WinnerIndex, scores, Verdict{Path: PathJudge, Rationale: p.Rationale}
}

func (e *Engine) callJudge(ctx context.Context, task settlement.Task, subs []settlement.Submission) ParseResult {
	if e.judge == nil {
		return unparseable("judge not configured")
	}
	req := settlement.JudgeRequest{
		TaskID:      task.TaskID,
		Title:       task.Title,
		Description: task.Description,
		Category:    task.Category,
		Submissions: make([]settlement.JudgeEntry, len(subs)),
	}
	for i, s := range subs {
		req.Submissions[i] = settlement.JudgeEntry{Index: i, SubmissionID: s.SubmissionID, Content: s.Content}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	started := e.clock.Now()
	raw, err := e.judge.Score(callCtx, req)
	e.metrics.JudgeDuration(e.clock.Now().Sub(started))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return unparseable("judge timed out after %s", e.timeout)
		}
		return unparseable("judge error: %v", err)
	}
	return ParseJudgeResponse(raw, len(subs))
}

func (e *Engine) pick(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.IntN(n)
}

func existingWinner(taskID string, subs []settlement.Submission) (Verdict, bool) {
	for _, s := range subs {
		if s.Winner {
			return Verdict{
				TaskID:             taskID,
				WinnerSubmissionID: s.SubmissionID,
				WinnerWallet:       s.SubmitterWallet,
				Path:               PathExisting,
				Rationale:          s.Rationale,
			}, true
		}
	}
	return Verdict{}, false
}

// UnavailableJudge always fails; it stands in when no judge is configured.
type UnavailableJudge struct{}

func (UnavailableJudge) Score(context.Context, settlement.JudgeRequest) (string, error) {
	return "", errors.New("judge service unavailable")
}
