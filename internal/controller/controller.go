// Package controller runs the engine autonomously: a state machine
// that periodically briefs the model on workspace activity, submits
// the briefing as a request, and parks on blocking questions until a
// human answers.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/eventic/internal/conversations"
	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/history"
	"github.com/haasonsaas/eventic/internal/observability"
	"github.com/haasonsaas/eventic/internal/orchestrator"
	"github.com/haasonsaas/eventic/internal/tasks"
	"github.com/haasonsaas/eventic/pkg/models"
)

// State is the controller's lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateBlocked State = "blocked"
)

// Reply protocol markers the model uses in autonomous mode.
const (
	// BlockingQuestionPrefix starts a line that parks the controller
	// until Answer is called.
	BlockingQuestionPrefix = "BLOCKING QUESTION:"

	// NothingToReport as the whole reply leaves no trace in the
	// conversation for that tick.
	NothingToReport = "NOTHING_TO_REPORT"
)

// DefaultInterval between briefing ticks.
const DefaultInterval = time.Minute

var (
	ErrNotBlocked = errors.New("controller: not blocked")
	ErrNotStopped = errors.New("controller: already started")
)

// cronParser accepts standard five-field expressions plus an optional
// seconds field and @descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Engine is the slice of the orchestrator the controller drives.
type Engine interface {
	Submit(ctx context.Context, input string, opts orchestrator.SubmitOptions) (*orchestrator.Result, error)
	Conversations() *conversations.Registry
	Options() engine.Options
}

// TaskLister reports outstanding background tasks for briefings.
type TaskLister interface {
	List(filter tasks.Filter) []tasks.BackgroundTask
}

// Config wires a controller.
type Config struct {
	// Conversation the briefings run on. Default "autonomous".
	Conversation string

	// WatchLimit caps filesystem changes per briefing.
	WatchLimit int

	// BriefingDir holds note files dropped by outside processes. Each
	// briefing consumes and deletes them. Empty disables the feature.
	BriefingDir string
}

// Controller is the autonomous mode state machine.
//
// Thread Safety:
// Controller is safe for concurrent use; the mutex guards state
// transitions and the blocked question.
type Controller struct {
	eng      Engine
	tasks    TaskLister
	watcher  *Watcher
	sink     engine.Sink
	logger   *observability.Logger
	conv     string
	briefDir string

	mu         sync.Mutex
	state      State
	question   string
	cancelRun  context.CancelFunc
	stopTicker context.CancelFunc
	cronRunner *cron.Cron
	interval   time.Duration
	cronSpec   string

	seq atomic.Uint64
	wg  sync.WaitGroup
}

// New builds a stopped controller. lister may be nil when no task
// manager is wired; sink may be nil.
func New(eng Engine, lister TaskLister, sink engine.Sink, logger *observability.Logger, cfg Config) (*Controller, error) {
	conv := cfg.Conversation
	if conv == "" {
		conv = "autonomous"
	}
	watcher, err := NewWatcher(eng.Options().WorkspaceRoot, cfg.WatchLimit)
	if err != nil {
		return nil, fmt.Errorf("controller: watch workspace: %w", err)
	}
	if sink == nil {
		sink = engine.NopSink{}
	}
	return &Controller{
		eng:      eng,
		tasks:    lister,
		watcher:  watcher,
		sink:     sink,
		logger:   logger,
		conv:     conv,
		briefDir: cfg.BriefingDir,
		state:    StateStopped,
	}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Question returns the retained blocking question, if any.
func (c *Controller) Question() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.question
}

// Play starts periodic briefings every interval. Valid from stopped or
// paused.
func (c *Controller) Play(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c.mu.Lock()
	if c.state != StateStopped && c.state != StatePaused {
		c.mu.Unlock()
		return fmt.Errorf("controller: cannot play from %s", c.state)
	}
	prev := c.state
	c.state = StateRunning
	c.interval = interval
	c.cronSpec = ""
	c.startTickerLocked()
	c.mu.Unlock()

	c.emitState(StateRunning, prev, "")
	return nil
}

// startTickerLocked launches the interval loop. Caller holds mu with
// state already running.
func (c *Controller) startTickerLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopTicker = cancel
	interval := c.interval
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick(ctx, "")
			}
		}
	}()
}

// startCronLocked launches the cron runner. Caller holds mu with state
// already running and a validated c.cronSpec.
func (c *Controller) startCronLocked() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopTicker = cancel
	runner := cron.New(cron.WithParser(cronParser))
	if _, err := runner.AddFunc(c.cronSpec, func() { c.tick(ctx, "") }); err != nil {
		cancel()
		c.stopTicker = nil
		return err
	}
	c.cronRunner = runner
	runner.Start()
	return nil
}

// PlaySchedule starts briefings on a cron schedule. Valid from stopped
// or paused.
func (c *Controller) PlaySchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("controller: invalid schedule: %w", err)
	}
	c.mu.Lock()
	if c.state != StateStopped && c.state != StatePaused {
		c.mu.Unlock()
		return fmt.Errorf("controller: cannot play from %s", c.state)
	}
	prev := c.state
	c.state = StateRunning
	c.interval = 0
	c.cronSpec = spec
	err := c.startCronLocked()
	if err != nil {
		c.state = prev
		c.mu.Unlock()
		return fmt.Errorf("controller: schedule: %w", err)
	}
	c.mu.Unlock()

	c.emitState(StateRunning, prev, "")
	return nil
}

// Pause stops new briefings; an in-flight request completes naturally.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("controller: cannot pause from %s", c.state)
	}
	c.state = StatePaused
	c.haltScheduleLocked()
	c.mu.Unlock()

	c.emitState(StatePaused, StateRunning, "")
	return nil
}

// Stop cancels any in-flight request and returns to stopped. Valid
// from any state; stopping a stopped controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateStopped
	c.question = ""
	c.haltScheduleLocked()
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.emitState(StateStopped, prev, "")
	return nil
}

// haltScheduleLocked stops the ticker or cron runner. Caller holds mu.
func (c *Controller) haltScheduleLocked() {
	if c.stopTicker != nil {
		c.stopTicker()
		c.stopTicker = nil
	}
	if c.cronRunner != nil {
		c.cronRunner.Stop()
		c.cronRunner = nil
	}
}

// Answer resolves a blocking question: the text is injected as the
// next user input and the controller resumes running.
func (c *Controller) Answer(text string) error {
	c.mu.Lock()
	if c.state != StateBlocked {
		c.mu.Unlock()
		return ErrNotBlocked
	}
	c.state = StateRunning
	c.question = ""
	if c.cronSpec != "" {
		if err := c.startCronLocked(); err != nil {
			c.state = StateBlocked
			c.mu.Unlock()
			return fmt.Errorf("controller: resume schedule: %w", err)
		}
	} else if c.interval > 0 {
		c.startTickerLocked()
	}
	answerCtx, answerCancel := context.WithCancel(context.Background())
	c.mu.Unlock()

	c.emit(models.EventControllerAnswerAccepted, &models.ControllerPayload{
		State:    string(StateRunning),
		Previous: string(StateBlocked),
		Answer:   text,
	})
	c.emitState(StateRunning, StateBlocked, "")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer answerCancel()
		c.tick(answerCtx, text)
	}()
	return nil
}

// Close stops the controller and releases the watcher.
func (c *Controller) Close() error {
	_ = c.Stop()
	return c.watcher.Close()
}

// tick assembles a briefing (or uses the injected answer) and submits
// it through the pipeline.
func (c *Controller) tick(ctx context.Context, injected string) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelRun = nil
		c.mu.Unlock()
		cancel()
	}()

	input := injected
	if input == "" {
		input = c.briefing()
	}

	result, err := c.eng.Submit(runCtx, input, orchestrator.SubmitOptions{
		Conversation: c.conv,
		ExplicitLoop: true,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn(runCtx, "autonomous tick failed", "error", err)
		}
		return
	}
	c.inspect(runCtx, result.Response)
}

// inspect applies the reply protocol to the tick's final response.
func (c *Controller) inspect(ctx context.Context, response string) {
	trimmed := strings.TrimSpace(response)

	if trimmed == NothingToReport {
		// Unwind the tick's two messages so quiet ticks don't bloat
		// the conversation.
		root := c.eng.Options().WorkspaceRoot
		err := c.eng.Conversations().WithLock(ctx, c.conv, func(store *history.Store) error {
			store.TruncateLast()
			store.TruncateLast()
			return store.Persist(root)
		})
		if err != nil {
			c.logger.Warn(ctx, "briefing suppression failed", "error", err)
		}
		return
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, BlockingQuestionPrefix) {
			question := strings.TrimSpace(strings.TrimPrefix(line, BlockingQuestionPrefix))
			c.mu.Lock()
			if c.state != StateRunning {
				c.mu.Unlock()
				return
			}
			c.state = StateBlocked
			c.question = question
			c.haltScheduleLocked()
			c.mu.Unlock()

			c.emit(models.EventControllerBlocked, &models.ControllerPayload{
				State:    string(StateBlocked),
				Previous: string(StateRunning),
				Question: question,
			})
			c.emitState(StateBlocked, StateRunning, question)
			return
		}
	}
}

// briefing serializes workspace changes, outstanding tasks, and any
// prior blocked question into a compact text block.
func (c *Controller) briefing() string {
	var b strings.Builder
	b.WriteString("Autonomous briefing.\n")

	changes := c.watcher.Drain()
	if len(changes) == 0 {
		b.WriteString("\nWorkspace changes since last briefing: none.\n")
	} else {
		b.WriteString("\nWorkspace changes since last briefing:\n")
		for _, change := range changes {
			b.WriteString("- " + change + "\n")
		}
	}

	if c.tasks != nil {
		outstanding := make([]tasks.BackgroundTask, 0, 4)
		for _, task := range c.tasks.List(tasks.Filter{}) {
			if !task.Status.Terminal() {
				outstanding = append(outstanding, task)
			}
		}
		if len(outstanding) > 0 {
			b.WriteString("\nOutstanding background tasks:\n")
			for _, task := range outstanding {
				fmt.Fprintf(&b, "- %s [%s] %s\n", task.ID, task.Status, task.Description)
			}
		}
	}

	for _, note := range c.consumeBriefingNotes() {
		b.WriteString("\nNote from operator (" + note.name + "):\n")
		b.WriteString(note.text)
		if !strings.HasSuffix(note.text, "\n") {
			b.WriteString("\n")
		}
	}

	b.WriteString("\nReview the above. Reply NOTHING_TO_REPORT if no action is needed. ")
	b.WriteString("If you need a human decision, put it on a line starting with BLOCKING QUESTION:.")
	return b.String()
}

// briefingNoteLimit caps how much of a dropped note file is inlined.
const briefingNoteLimit = 4096

type briefingNote struct {
	name string
	text string
}

// consumeBriefingNotes reads and deletes note files dropped into the
// briefing directory. Files that cannot be read are left in place for
// the next tick.
func (c *Controller) consumeBriefingNotes() []briefingNote {
	if c.briefDir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.briefDir)
	if err != nil {
		return nil
	}
	notes := make([]briefingNote, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(c.briefDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn(context.Background(), "briefing note unreadable", "path", path, "error", err)
			continue
		}
		if len(data) > briefingNoteLimit {
			data = data[:briefingNoteLimit]
		}
		if err := os.Remove(path); err != nil {
			c.logger.Warn(context.Background(), "briefing note not removed; it will repeat", "path", path, "error", err)
		}
		notes = append(notes, briefingNote{name: entry.Name(), text: string(data)})
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].name < notes[j].name })
	return notes
}

func (c *Controller) emitState(state, previous State, question string) {
	c.emit(models.EventControllerStateChanged, &models.ControllerPayload{
		State:    string(state),
		Previous: string(previous),
		Question: question,
	})
}

func (c *Controller) emit(kind models.EventKind, payload *models.ControllerPayload) {
	c.sink.Emit(context.Background(), models.Event{
		Version:    1,
		Kind:       kind,
		Time:       time.Now(),
		Sequence:   c.seq.Add(1),
		Controller: payload,
	})
}
