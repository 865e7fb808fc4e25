// Package history loads the edit history of one message page by page and publishes
// day-grouped snapshots of everything loaded so far.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFormatWorkers = 4

	opEngineNew = "history.engine.new"
	opEngineRun = "history.engine.run"

	guardLoading  = "loading"
	guardComplete = "complete"
	guardClosed   = "closed"
)

var (
	errMissingFetcher   = errors.New("fetcher is required")
	errMissingFormatter = errors.New("formatter is required")
	errMissingMessageID = errors.New("message identifier is required")
	errMissingRoomID    = errors.New("room identifier is required")
	errAlreadyRunning   = errors.New("engine is already running")
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// EngineConfig describes one history session.
type EngineConfig struct {
	MessageID     string
	RoomID        string
	Encrypted     bool
	PageSize      int
	FormatWorkers int
	Fetcher       Fetcher
	Formatter     Formatter
	Coordinator   Coordinator
	Metrics       *Metrics
	Logger        *zap.Logger
	// Location is the calendar used for day grouping; time.Local when nil.
	Location *time.Location
}

type commandKind int

const (
	commandLoadMore commandKind = iota
	commandClose
)

type command struct {
	kind  commandKind
	reply chan bool
}

type fetchJob struct {
	id      uint64
	request FetchRequest
}

type pageResult struct {
	job   fetchJob
	next  Cursor
	units []RevisionUnit
	err   error
}

// Engine owns the pagination cursor and the accumulated units of one session.
//
// Run hosts two goroutines: the interactive loop, which applies commands, merges
// results and publishes snapshots, and a background worker, which fetches and formats
// pages. They exchange work over channels; at most one job is in flight.
type Engine struct {
	key           SessionKey
	encrypted     bool
	pageSize      int
	formatWorkers int
	fetcher       Fetcher
	formatter     Formatter
	coordinator   Coordinator
	metrics       *Metrics
	logger        *zap.Logger
	location      *time.Location
	publisher     *SnapshotPublisher

	commands chan command
	jobs     chan fetchJob
	results  chan pageResult
	stopped  chan struct{}
	running  atomic.Bool

	// owned by the interactive loop
	state     LoadState
	cursor    Cursor
	exhausted bool
	units     []RevisionUnit
	inFlight  *fetchJob
	nextJobID uint64
	closed    bool
}

// NewEngine validates cfg and returns an idle engine. Call Run to start it.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Fetcher == nil {
		return nil, newServiceError(opEngineNew, "missing_fetcher", errMissingFetcher)
	}
	if cfg.Formatter == nil {
		return nil, newServiceError(opEngineNew, "missing_formatter", errMissingFormatter)
	}
	messageID := strings.TrimSpace(cfg.MessageID)
	if messageID == "" {
		return nil, newServiceError(opEngineNew, "missing_message_id", errMissingMessageID)
	}
	roomID := strings.TrimSpace(cfg.RoomID)
	if roomID == "" {
		return nil, newServiceError(opEngineNew, "missing_room_id", errMissingRoomID)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	workers := cfg.FormatWorkers
	if workers <= 0 {
		workers = defaultFormatWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}

	key := SessionKey{RoomID: roomID, MessageID: messageID}
	return &Engine{
		key:           key,
		encrypted:     cfg.Encrypted,
		pageSize:      pageSize,
		formatWorkers: workers,
		fetcher:       cfg.Fetcher,
		formatter:     cfg.Formatter,
		coordinator:   cfg.Coordinator,
		metrics:       cfg.Metrics,
		logger:        logger.With(zap.String("room_id", roomID), zap.String("message_id", messageID)),
		location:      location,
		publisher:     NewSnapshotPublisher(),
		commands:      make(chan command),
		jobs:          make(chan fetchJob, 1),
		results:       make(chan pageResult, 1),
		stopped:       make(chan struct{}),
		state:         LoadState{Phase: PhaseIdle},
	}, nil
}

// Key identifies the session.
func (e *Engine) Key() SessionKey {
	return e.key
}

// Subscribe registers the single observer. Snapshots are delivered on the loop
// goroutine, so the observer must not issue engine commands synchronously.
func (e *Engine) Subscribe(observer Observer) func() {
	return e.publisher.Subscribe(observer)
}

// Latest returns the most recently published snapshot.
func (e *Engine) Latest() LoadState {
	return e.publisher.Latest()
}

// Run drives the session until ctx is cancelled. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return newServiceError(opEngineRun, "already_running", errAlreadyRunning)
	}
	defer close(e.stopped)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		e.work(workerCtx)
	}()
	defer func() {
		cancelWorker()
		<-workerDone
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.commands:
			cmd.reply <- e.handle(cmd.kind)
		case result := <-e.results:
			e.complete(result)
		}
	}
}

// RequestLoadMore asks for the next page. It returns once the guard has been applied
// and, when a fetch was started, the loading snapshot has been published. It reports
// whether a fetch was started; it blocks until Run is started.
func (e *Engine) RequestLoadMore() bool {
	return e.send(commandLoadMore)
}

// RequestClose ends the session: the observer is dropped, later completions are
// ignored and the coordinator is told the view may be dismissed. Every call signals
// the coordinator; it reports false once Run has returned.
func (e *Engine) RequestClose() bool {
	return e.send(commandClose)
}

func (e *Engine) send(kind commandKind) bool {
	reply := make(chan bool, 1)
	select {
	case e.commands <- command{kind: kind, reply: reply}:
	case <-e.stopped:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-e.stopped:
		return false
	}
}

func (e *Engine) handle(kind commandKind) bool {
	switch kind {
	case commandLoadMore:
		return e.loadMore()
	case commandClose:
		e.close()
		return true
	default:
		return false
	}
}

func (e *Engine) loadMore() bool {
	switch {
	case e.closed:
		e.skip(guardClosed)
		return false
	case e.inFlight != nil || e.state.Phase == PhaseLoading:
		e.skip(guardLoading)
		return false
	case e.exhausted || (e.state.Phase == PhaseLoaded && e.state.AllDataLoaded):
		e.skip(guardComplete)
		return false
	}

	e.nextJobID++
	job := fetchJob{
		id: e.nextJobID,
		request: FetchRequest{
			MessageID: e.key.MessageID,
			RoomID:    e.key.RoomID,
			Encrypted: e.encrypted,
			From:      e.cursor,
			Limit:     e.pageSize,
		},
	}
	e.inFlight = &job
	e.setState(LoadState{Phase: PhaseLoading})
	e.jobs <- job
	return true
}

func (e *Engine) skip(reason string) {
	e.metrics.observeGuardSkip(reason)
	e.logger.Debug("load more ignored", zap.String("reason", reason))
}

func (e *Engine) close() {
	if !e.closed {
		e.closed = true
		e.publisher.Detach()
		e.logger.Debug("history session closed", zap.Int("units", len(e.units)))
	}
	if e.coordinator != nil {
		e.coordinator.SessionEnded(e.key)
	}
}

func (e *Engine) complete(result pageResult) {
	if e.inFlight == nil || e.inFlight.id != result.job.id {
		e.logger.Warn("discarding unexpected page result", zap.Uint64("job_id", result.job.id))
		return
	}
	e.inFlight = nil

	if e.closed {
		e.logger.Debug("page completed after close", zap.Uint64("job_id", result.job.id))
		return
	}

	if result.err != nil {
		e.logger.Warn("edit page fetch failed",
			zap.String("cursor", result.job.request.From.String()),
			zap.Error(result.err))
		e.setState(LoadState{Phase: PhaseFailed, Err: result.err})
		return
	}

	e.cursor = result.next
	e.exhausted = result.next.IsZero()
	e.units = append(e.units, result.units...)
	e.metrics.observeAppended(len(result.units))

	e.setState(LoadState{
		Phase:         PhaseLoaded,
		Sections:      GroupByDay(e.units, e.location),
		AddedCount:    len(result.units),
		AllDataLoaded: e.exhausted,
	})
}

func (e *Engine) setState(state LoadState) {
	e.state = state
	e.publisher.Publish(state)
}

func (e *Engine) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.jobs:
			result := e.process(ctx, job)
			select {
			case e.results <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) process(ctx context.Context, job fetchJob) pageResult {
	started := time.Now()
	page, err := e.fetcher.FetchEdits(ctx, job.request)
	if err != nil {
		e.metrics.observeFetch(err, time.Since(started))
		return pageResult{job: job, err: err}
	}

	// Pages arrive oldest first; accumulate moving backward in time.
	pending := make([]pendingRevision, 0, len(page.Revisions)+1)
	for index := len(page.Revisions) - 1; index >= 0; index-- {
		pending = append(pending, pendingRevision{raw: page.Revisions[index]})
	}
	if page.NextCursor.IsZero() && page.Original != nil {
		pending = append(pending, pendingRevision{raw: *page.Original, original: true})
	}

	units := e.formatAll(ctx, pending, page.Original)
	e.metrics.observeFetch(nil, time.Since(started))
	return pageResult{job: job, next: page.NextCursor, units: units}
}

type pendingRevision struct {
	raw      RawRevision
	original bool
}

func (e *Engine) formatAll(ctx context.Context, pending []pendingRevision, anchor *RawRevision) []RevisionUnit {
	slots := make([]*RevisionUnit, len(pending))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.formatWorkers)
	for index, item := range pending {
		index, item := index, item
		group.Go(func() error {
			unit, err := e.formatter.FormatRevision(groupCtx, item.raw, anchor)
			if err != nil {
				kind := formatFailureKind(err)
				e.metrics.observeFormatFailure(kind)
				e.logger.Warn("dropping revision that failed to format",
					zap.String("event_id", item.raw.EventID),
					zap.Bool("original", item.original),
					zap.String("reason", kind),
					zap.Error(err))
				return nil
			}
			unit.Original = item.original
			if unit.EventID == "" {
				unit.EventID = item.raw.EventID
			}
			slots[index] = &unit
			return nil
		})
	}
	_ = group.Wait()

	units := make([]RevisionUnit, 0, len(slots))
	for _, slot := range slots {
		if slot != nil {
			units = append(units, *slot)
		}
	}
	return units
}

func formatFailureKind(err error) string {
	switch {
	case errors.Is(err, ErrUndecryptable):
		return "undecryptable"
	case errors.Is(err, ErrUnparsable):
		return "unparsable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
