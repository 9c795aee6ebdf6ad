// Package coordinator implements Component J: supervision of a fixed set
// of typed worker processes and dispatch of tasks to them over the message
// bus (internal/bus). Process spawn/respawn and PID liveness are grounded
// on the teacher's process-lifecycle helpers (internal/attractor/engine's
// pidRunning/syscall.Kill(pid,0) pattern, mirrored here via
// internal/procutil.Alive) and its resume/restart cool-off handling
// (internal/attractor/engine/loop_restart_policy.go).
package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/danshapiro/poppobuilder/internal/backoff"
	"github.com/danshapiro/poppobuilder/internal/bus"
	"github.com/danshapiro/poppobuilder/internal/domain"
)

// AgentConfig describes one supervised worker.
type AgentConfig struct {
	Name          string
	Command       string
	Args          []string
	Capabilities  []domain.TaskType
	MaxConcurrent int
}

// Config wires a Coordinator's dependencies and policy.
type Config struct {
	Bus               *bus.Bus
	Agents            []AgentConfig
	AutoRestart       bool
	RestartCoolOff    time.Duration // default 5s
	PollingInterval   time.Duration // default 3s
	HeartbeatTimeout  time.Duration // default 60s
	ShutdownTimeout   time.Duration // default 10s
	MaxRetries        int           // default 3
	Logger            *log.Logger
	OnTaskEvent       func(kind string, task domain.Task)
}

type agentState struct {
	cfg    AgentConfig
	cmd    *exec.Cmd
	record domain.AgentRecord
}

// Coordinator supervises workers and brokers tasks between the pending
// queue and the bus (spec §4.J).
type Coordinator struct {
	mu sync.Mutex

	bus    *bus.Bus
	agents map[string]*agentState
	order  []string

	pending []domain.Task
	active  map[string]*domain.Task

	autoRestart      bool
	coolOff          time.Duration
	pollInterval     time.Duration
	heartbeatTimeout time.Duration
	shutdownTimeout  time.Duration
	maxRetries       int
	logger           *log.Logger
	onTaskEvent      func(string, domain.Task)

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New constructs a Coordinator from cfg, defaulting unset durations.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("coordinator requires a bus")
	}
	if cfg.RestartCoolOff <= 0 {
		cfg.RestartCoolOff = 5 * time.Second
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 3 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "coordinator: ", log.LstdFlags)
	}

	c := &Coordinator{
		bus:              cfg.Bus,
		agents:           make(map[string]*agentState),
		active:           make(map[string]*domain.Task),
		autoRestart:      cfg.AutoRestart,
		coolOff:          cfg.RestartCoolOff,
		pollInterval:     cfg.PollingInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		shutdownTimeout:  cfg.ShutdownTimeout,
		maxRetries:       cfg.MaxRetries,
		logger:           cfg.Logger,
		onTaskEvent:      cfg.OnTaskEvent,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	for _, a := range cfg.Agents {
		caps := make(map[domain.TaskType]struct{}, len(a.Capabilities))
		for _, t := range a.Capabilities {
			caps[t] = struct{}{}
		}
		c.agents[a.Name] = &agentState{
			cfg: a,
			record: domain.AgentRecord{
				Name:          a.Name,
				Capabilities:  caps,
				MaxConcurrent: a.MaxConcurrent,
				Status:        domain.AgentInitializing,
			},
		}
		c.order = append(c.order, a.Name)
	}
	return c, nil
}

// Start spawns every configured agent as a child process.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.order {
		if err := c.spawnLocked(name); err != nil {
			return fmt.Errorf("spawn %s: %w", name, err)
		}
	}
	return nil
}

func (c *Coordinator) spawnLocked(name string) error {
	st := c.agents[name]
	cmd := exec.Command(st.cfg.Command, st.cfg.Args...)
	cmd.Env = append(os.Environ(), "POPPO_AGENT_NAME="+name)
	cmd.Stdout = &prefixWriter{prefix: "[" + name + "] ", logger: c.logger}
	cmd.Stderr = &prefixWriter{prefix: "[" + name + "] ", logger: c.logger}
	if err := cmd.Start(); err != nil {
		return err
	}
	st.cmd = cmd
	st.record.Status = domain.AgentRunning
	st.record.LastHeartbeat = time.Now()
	go c.supervise(name, cmd)
	return nil
}

// supervise waits for the child to exit and respawns it after the cool-off
// if autoRestart is set, matching spec §4.J step 1.
func (c *Coordinator) supervise(name string, cmd *exec.Cmd) {
	err := cmd.Wait()
	c.mu.Lock()
	st, ok := c.agents[name]
	if ok && st.cmd == cmd {
		st.record.Status = domain.AgentStopped
	}
	restart := ok && c.autoRestart
	c.mu.Unlock()

	if err != nil {
		c.logger.Printf("agent %s exited: %v", name, err)
	}
	if !restart {
		return
	}
	select {
	case <-c.stopCh:
		return
	case <-time.After(c.coolOff):
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, stillConfigured := c.agents[name]; !stillConfigured {
		return
	}
	select {
	case <-c.stopCh:
		return
	default:
	}
	if err := c.spawnLocked(name); err != nil {
		c.logger.Printf("respawn %s failed: %v", name, err)
	}
}

type prefixWriter struct {
	prefix string
	logger *log.Logger
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.logger.Print(w.prefix + string(p))
	return len(p), nil
}

// SubmitTask enqueues task for assignment on the next poll tick.
func (c *Coordinator) SubmitTask(task domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task.TaskID == "" {
		task.TaskID = fmt.Sprintf("task-%d", len(c.pending)+len(c.active)+1)
	}
	task.Status = domain.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.Deadline.IsZero() {
		task.Deadline = task.CreatedAt.Add(time.Hour)
	}
	c.pending = append(c.pending, task)
}

// Run starts the poll loop and blocks until ctx is done or Stop is called.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer close(c.doneCh)
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-t.C:
			c.tick()
		}
	}
}

func (c *Coordinator) tick() {
	c.dispatchInbox()
	c.assignPending()
	c.healthCheck()
}

// dispatchInbox implements spec §4.J step 2's message handling.
func (c *Coordinator) dispatchInbox() {
	msgs, err := c.bus.PollInbox("core")
	if err != nil {
		c.logger.Printf("pollInbox(core): %v", err)
		return
	}
	for _, msg := range msgs {
		c.handleMessage(msg)
	}
}

func (c *Coordinator) handleMessage(msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case domain.MsgHeartbeat:
		if st, ok := c.agents[msg.From]; ok {
			st.record.LastHeartbeat = time.Now()
			st.record.Status = domain.AgentRunning
			st.record.Metrics = msg.Payload
		}
	case domain.MsgTaskAccepted:
		c.updateTaskLocked(msg.Payload, domain.TaskAccepted)
	case domain.MsgProgressUpdate:
		if task := c.taskByPayloadLocked(msg.Payload); task != nil {
			task.Status = domain.TaskInProgress
			if c.onTaskEvent != nil {
				c.onTaskEvent("task:progress", *task)
			}
		}
	case domain.MsgTaskCompleted:
		if task := c.taskByPayloadLocked(msg.Payload); task != nil {
			task.Status = domain.TaskCompleted
			if result, ok := msg.Payload["result"].(map[string]any); ok {
				task.Result = result
			}
			now := time.Now()
			task.CompletedAt = &now
			if c.onTaskEvent != nil {
				c.onTaskEvent("task:completed", *task)
			}
			c.removeActiveLocked(task.TaskID, msg.From)
		}
	case domain.MsgErrorNotification:
		c.handleErrorNotificationLocked(msg)
	}
}

func (c *Coordinator) taskByPayloadLocked(payload map[string]any) *domain.Task {
	taskID, _ := payload["taskId"].(string)
	if taskID == "" {
		return nil
	}
	return c.active[taskID]
}

func (c *Coordinator) updateTaskLocked(payload map[string]any, status domain.TaskStatus) {
	if task := c.taskByPayloadLocked(payload); task != nil {
		task.Status = status
	}
}

func (c *Coordinator) handleErrorNotificationLocked(msg domain.Message) {
	task := c.taskByPayloadLocked(msg.Payload)
	if task == nil {
		return
	}
	task.Status = domain.TaskError
	if errMsg, ok := msg.Payload["errorMessage"].(string); ok {
		task.Error = errMsg
	}
	retryable, _ := msg.Payload["retryable"].(bool)
	if retryable && task.Retries < c.maxRetries {
		task.Retries++
		task.Status = domain.TaskPending
		task.AssignedTo = ""
		task.NotBefore = time.Now().Add(backoff.DelayForAttempt(task.Retries, backoff.Default(), task.TaskID))
		c.removeActiveLocked(task.TaskID, msg.From)
		c.pending = append(c.pending, *task)
		return
	}
	if c.onTaskEvent != nil {
		c.onTaskEvent("task:error", *task)
	}
	c.removeActiveLocked(task.TaskID, msg.From)
}

func (c *Coordinator) removeActiveLocked(taskID, agent string) {
	delete(c.active, taskID)
	if st, ok := c.agents[agent]; ok && st.record.ActiveTasks > 0 {
		st.record.ActiveTasks--
	}
}

// assignPending implements spec §4.J step 2's scan-and-dispatch: for each
// pending task, pick an agent via selectAgent and send TASK_ASSIGNMENT.
func (c *Coordinator) assignPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var remaining []domain.Task
	for _, task := range c.pending {
		if !task.NotBefore.IsZero() && time.Now().Before(task.NotBefore) {
			remaining = append(remaining, task)
			continue
		}
		agent, ok := c.selectAgentLocked(task.Type)
		if !ok {
			remaining = append(remaining, task)
			continue
		}
		task.Status = domain.TaskAssigned
		task.AssignedTo = agent
		c.active[task.TaskID] = &task
		c.agents[agent].record.ActiveTasks++

		msg := domain.Message{
			Type: domain.MsgTaskAssignment,
			From: "core",
			To:   agent,
			Payload: map[string]any{
				"taskId":   task.TaskID,
				"type":     string(task.Type),
				"deadline": task.Deadline,
				"context":  task.Context,
				"payload":  task.Payload,
			},
		}
		if _, err := c.bus.Send(msg); err != nil {
			c.logger.Printf("send TASK_ASSIGNMENT to %s: %v", agent, err)
		}
	}
	c.pending = remaining
}

// selectAgentLocked returns the first registered agent (stable config
// order) whose capability set contains taskType, whose status is running,
// and whose activeTasks is below maxConcurrent (spec §4.J selectAgent).
func (c *Coordinator) selectAgentLocked(taskType domain.TaskType) (string, bool) {
	for _, name := range c.order {
		st := c.agents[name]
		if st.record.Status != domain.AgentRunning {
			continue
		}
		if _, ok := st.record.Capabilities[taskType]; !ok {
			continue
		}
		if st.record.ActiveTasks >= st.record.MaxConcurrent {
			continue
		}
		return name, true
	}
	return "", false
}

// healthCheck marks agents unresponsive after heartbeatTimeout and kills
// (triggering an autoRestart respawn) their process.
func (c *Coordinator) healthCheck() {
	c.mu.Lock()
	var toKill []*exec.Cmd
	cutoff := time.Now().Add(-c.heartbeatTimeout)
	for _, name := range c.order {
		st := c.agents[name]
		if st.record.Status == domain.AgentRunning && st.record.LastHeartbeat.Before(cutoff) {
			st.record.Status = domain.AgentUnresponsive
			if st.cmd != nil && st.cmd.Process != nil {
				toKill = append(toKill, st.cmd)
			}
		}
	}
	c.mu.Unlock()

	for _, cmd := range toKill {
		_ = cmd.Process.Kill()
	}
}

// Snapshot returns a stable-ordered copy of every agent's record.
func (c *Coordinator) Snapshot() []domain.AgentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.AgentRecord, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.agents[name].record)
	}
	return out
}

// Task returns a copy of the task with the given id, searching both the
// pending queue and the active (assigned) set, for status introspection.
func (c *Coordinator) Task(id string) (domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.pending {
		if t.TaskID == id {
			return t, true
		}
	}
	if t, ok := c.active[id]; ok {
		return *t, true
	}
	return domain.Task{}, false
}

// Stop halts the poll loop, asks every child to terminate, waits up to
// shutdownTimeout, then SIGKILLs any stragglers (spec §4.J graceful
// shutdown).
func (c *Coordinator) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.mu.Lock()
	wasRunning := c.running
	c.mu.Unlock()
	if wasRunning {
		<-c.doneCh
	}

	c.mu.Lock()
	var cmds []*exec.Cmd
	for _, name := range c.order {
		if st := c.agents[name]; st.cmd != nil && st.cmd.Process != nil {
			cmds = append(cmds, st.cmd)
		}
	}
	c.mu.Unlock()

	for _, cmd := range cmds {
		_ = cmd.Process.Signal(os.Interrupt)
	}

	done := make(chan struct{})
	go func() {
		for _, cmd := range cmds {
			_, _ = cmd.Process.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.shutdownTimeout):
		for _, cmd := range cmds {
			_ = cmd.Process.Kill()
		}
	}
}
