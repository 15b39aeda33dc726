// ABOUTME: Fixed-size pool of worker processes with per-key routing
// ABOUTME: A task's conversation key always maps to the same worker slot

package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrWorkerDead is returned when a slot has exhausted its restart budget.
	ErrWorkerDead = errors.New("worker slot is dead")
	// ErrTaskTimeout is returned when a worker misses its deadline; the
	// process is presumed hung and replaced.
	ErrTaskTimeout = errors.New("task timed out, worker replaced")
)

const (
	// maxRestarts within restartWindow kills the slot for good.
	maxRestarts   = 5
	restartWindow = time.Minute
)

// Pool runs N copies of the worker binary and routes tasks to them. Tasks
// for the same conversation key hit the same slot, so per-conversation
// ordering holds even in decoupled mode.
type Pool struct {
	command     string
	args        []string
	size        int
	taskTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	runCtx context.Context // pool lifetime; worker processes outlive any one caller
	slots  []*slot
}

// slot is one worker process position. The process behind it may be
// replaced; the slot itself is stable.
type slot struct {
	index int

	mu       sync.Mutex // one task in flight per slot
	proc     *proc
	restarts int
	windowAt time.Time
	dead     bool
}

// proc is a live worker process.
type proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *taskWriter
	reader *resultReader
}

// NewPool creates a pool for the given worker command line.
func NewPool(command string, size int, taskTimeout time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1
	}
	parts := strings.Fields(command)
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &Pool{
		command:     parts[0],
		args:        args,
		size:        size,
		taskTimeout: taskTimeout,
		logger:      logger.With("component", "workers"),
	}
}

// Start spawns every worker process. ctx is the pool's lifetime: replacement
// processes are tied to it, never to the caller of a single Submit.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.runCtx = ctx
	p.slots = make([]*slot, p.size)
	for i := 0; i < p.size; i++ {
		s := &slot{index: i}
		proc, err := p.spawn()
		if err != nil {
			p.stopLocked()
			return fmt.Errorf("spawning worker %d: %w", i, err)
		}
		s.proc = proc
		p.slots[i] = s
	}
	p.logger.Info("worker pool started", "size", p.size, "command", p.command)
	return nil
}

func (p *Pool) spawn() (*proc, error) {
	cmd := exec.CommandContext(p.runCtx, p.command, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &proc{
		cmd:    cmd,
		stdin:  stdin,
		writer: newTaskWriter(stdin),
		reader: newResultReader(stdout),
	}, nil
}

// Submit routes a task to its slot and waits for the result. The call blocks
// until the worker answers, the timeout fires, or ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, task *Task) (*Result, error) {
	if task.Type == "" {
		task.Type = TypeTask
	}
	if task.RequestID == "" {
		task.RequestID = uuid.NewString()
	}

	s := p.slotFor(task.ConversationKey)
	if s == nil {
		return nil, errors.New("pool not started")
	}
	return p.submitTo(ctx, s, task)
}

func (p *Pool) submitTo(ctx context.Context, s *slot, task *Task) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return nil, fmt.Errorf("%w: slot %d", ErrWorkerDead, s.index)
	}

	res, err := p.exchange(ctx, s, task)
	if err != nil {
		p.replace(s, err)
		return nil, err
	}
	return res, nil
}

// exchange writes one task and reads its result under the slot lock.
func (p *Pool) exchange(ctx context.Context, s *slot, task *Task) (*Result, error) {
	if err := s.proc.writer.Write(task); err != nil {
		return nil, fmt.Errorf("writing task to worker %d: %w", s.index, err)
	}

	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.proc.reader.Read()
		ch <- outcome{res, err}
	}()

	timeout := p.taskTimeout
	if task.Type == TypePing {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, fmt.Errorf("reading result from worker %d: %w", s.index, o.err)
		}
		if o.res.RequestID != task.RequestID {
			return nil, fmt.Errorf("worker %d answered request %s, wanted %s", s.index, o.res.RequestID, task.RequestID)
		}
		return o.res, nil
	case <-timer.C:
		return nil, ErrTaskTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// replace kills the slot's process and spawns a fresh one, unless the slot
// has burned through its restart budget. A caller's cancelled context is a
// replacement cause like any other, never a death sentence for the slot;
// only the restart cap or pool shutdown marks it dead. Caller holds the
// slot lock.
func (p *Pool) replace(s *slot, cause error) {
	p.logger.Warn("replacing worker", "slot", s.index, "cause", cause)
	s.proc.kill()

	now := time.Now()
	if now.Sub(s.windowAt) > restartWindow {
		s.windowAt = now
		s.restarts = 0
	}
	s.restarts++
	if s.restarts > maxRestarts {
		s.dead = true
		p.logger.Error("worker slot exceeded restart budget, marking dead", "slot", s.index)
		return
	}

	if p.runCtx.Err() != nil {
		// Pool shutting down; nothing left to replace for.
		s.dead = true
		return
	}

	proc, err := p.spawn()
	if err != nil {
		s.dead = true
		p.logger.Error("worker respawn failed", "slot", s.index, "error", err)
		return
	}
	s.proc = proc
}

// Ping health-checks every live slot and returns how many answered.
func (p *Pool) Ping(ctx context.Context) int {
	p.mu.Lock()
	slots := p.slots
	p.mu.Unlock()

	healthy := 0
	for _, s := range slots {
		res, err := p.submitTo(ctx, s, &Task{Type: TypePing, RequestID: uuid.NewString()})
		if err == nil && res.Error == "" {
			healthy++
		}
	}
	return healthy
}

// slotFor hashes the conversation key onto a slot.
func (p *Pool) slotFor(key string) *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 {
		return nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.slots[int(h.Sum32())%len(p.slots)]
}

// Stop terminates every worker process.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pool) stopLocked() {
	for _, s := range p.slots {
		if s == nil || s.proc == nil {
			continue
		}
		s.mu.Lock()
		s.proc.kill()
		s.dead = true
		s.mu.Unlock()
	}
	p.slots = nil
	p.logger.Info("worker pool stopped")
}

// kill closes stdin so a cooperative worker exits, then makes sure.
func (pr *proc) kill() {
	_ = pr.stdin.Close()
	if pr.cmd.Process != nil {
		_ = pr.cmd.Process.Kill()
	}
	_ = pr.cmd.Wait()
}
