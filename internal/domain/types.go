// Package domain holds the value records shared across pipeline stages
// (spec §3). These are plain data, owned by exactly one component each;
// everyone else only ever holds immutable snapshots. Grouping the shared
// vocabulary in one package (rather than letting each component define its
// own partial view) mirrors the teacher's internal/attractor/model package,
// which plays the same role for graph/node/edge types shared across its
// dot/validate/engine/style packages.
package domain

import "time"

// Level is a recognized log severity. Unknown levels are ignored by the
// watcher before they ever become a RawLogEntry.
type Level string

const (
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
	LevelWarn  Level = "WARN"
)

// RawLogEntry is one logical log entry: a header line plus any stack-trace
// continuation lines immediately following it. Produced by the Log Watcher,
// consumed exactly once by the Error Classifier.
type RawLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	StackLines []string  `json:"stackLines,omitempty"`
}

// ErrorType categorizes whether a classified error is a code bug, a
// structural defect, or a specification/config conflict.
type ErrorType string

const (
	ErrorTypeBug        ErrorType = "bug"
	ErrorTypeDefect     ErrorType = "defect"
	ErrorTypeSpecIssue  ErrorType = "specIssue"
)

// Severity ranks classified errors for prioritization (lock priority,
// statistics buckets, trend weighting).
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Classification is what the Error Classifier derives for a RawLogEntry by
// matching it against the pattern registry (or falling back to EP000).
type Classification struct {
	PatternID       string    `json:"patternId"`
	Category        string    `json:"category"`
	Type            ErrorType `json:"type"`
	Severity        Severity  `json:"severity"`
	SuggestedAction string    `json:"suggestedAction"`
	Matched         bool      `json:"matched"`
}

// ErrorEvent is a normalized, hashed, pattern-tagged occurrence. Two events
// with the same Hash are treated as the same occurrence by every downstream
// component.
type ErrorEvent struct {
	Hash           string         `json:"hash"`
	Timestamp      time.Time      `json:"timestamp"`
	Level          Level          `json:"level"`
	Message        string         `json:"message"`
	StackLines     []string       `json:"stackLines,omitempty"`
	SourceFile     string         `json:"sourceFile,omitempty"`
	SourceLine     int            `json:"sourceLine,omitempty"`
	Classification Classification `json:"classification"`
}

// GroupMember records one event's appearance inside an ErrorGroup.
type GroupMember struct {
	Hash       string    `json:"hash"`
	Timestamp  time.Time `json:"timestamp"`
	Similarity float64   `json:"similarity"`
}

// GroupState is the ErrorGroup lifecycle: open -> closed, never back.
type GroupState string

const (
	GroupOpen   GroupState = "open"
	GroupClosed GroupState = "closed"
)

// ErrorGroup clusters events judged similar enough to be one operational
// issue. Owned exclusively by the Grouping Engine.
type ErrorGroup struct {
	GroupID         string        `json:"groupId"`
	Representative  ErrorEvent    `json:"representative"`
	Members         []GroupMember `json:"members"`
	FirstSeen       time.Time     `json:"firstSeen"`
	LastSeen        time.Time     `json:"lastSeen"`
	Occurrences     int           `json:"occurrences"`
	ExternalIssueRef string       `json:"externalIssueRef,omitempty"`
	State           GroupState    `json:"state"`
}

// RepairChange describes one line-level edit a strategy made.
type RepairChange struct {
	Line   int    `json:"line"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// RepairResult is what a strategy's repair() step produces; the Repair
// Engine fills in BackupRef entries as it backs up each touched file before
// handing the in-flight result to the strategy.
type RepairResult struct {
	OK              bool           `json:"ok"`
	Action          string         `json:"action"`
	FilePath        string         `json:"filePath"`
	BackupRefs      []string       `json:"backupRefs,omitempty"`
	Changes         []RepairChange `json:"changes,omitempty"`
	CreatedFiles    []string       `json:"createdFiles,omitempty"`
	GeneratedTestRef string        `json:"generatedTestRef,omitempty"`
}

// RepairHistoryEntry is an append-only record of one repair attempt.
type RepairHistoryEntry struct {
	RepairID      string    `json:"repairId"`
	Timestamp     time.Time `json:"timestamp"`
	PatternID     string    `json:"patternId"`
	ErrorHash     string    `json:"errorHash"`
	FilePath      string    `json:"filePath"`
	OK            bool      `json:"ok"`
	DurationMS    int64     `json:"durationMs"`
	TestResult    string    `json:"testResult,omitempty"`
	RollbackRef   string    `json:"rollbackRef,omitempty"`
	ErrorDetails  string    `json:"errorDetails,omitempty"`
	RepairDetails string    `json:"repairDetails,omitempty"`
}

// PatternStats tracks a pattern's repair track record, owned by the
// Pattern Learner.
type PatternStats struct {
	PatternID      string  `json:"patternId"`
	Attempts       int     `json:"attempts"`
	Successes      int     `json:"successes"`
	Failures       int     `json:"failures"`
	SuccessRate    float64 `json:"successRate"`
	TotalDuration  int64   `json:"totalDuration"`
	AvgDuration    float64 `json:"avgDuration"`
	Disabled       bool    `json:"disabled"`
	DisabledReason string  `json:"disabledReason,omitempty"`
}

// Backup is the sidecar metadata for one content-addressed snapshot; the
// blob itself lives alongside it on disk.
type Backup struct {
	BackupID     string    `json:"backupId"`
	OriginalPath string    `json:"originalPath"`
	Timestamp    time.Time `json:"timestamp"`
	ByteLen      int64     `json:"byteLen"`
	Checksum     string    `json:"checksum"`
}

// Priority orders lock waiters: urgent preempts high preempts normal
// preempts low, and ties break by enqueue time.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns a lower-is-more-urgent ordinal for sorting waiter queues.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// MessageType enumerates the coordinator<->worker wire vocabulary (spec §6).
type MessageType string

const (
	MsgTaskAssignment    MessageType = "TASK_ASSIGNMENT"
	MsgTaskAccepted      MessageType = "TASK_ACCEPTED"
	MsgProgressUpdate    MessageType = "PROGRESS_UPDATE"
	MsgTaskCompleted     MessageType = "TASK_COMPLETED"
	MsgErrorNotification MessageType = "ERROR_NOTIFICATION"
	MsgHeartbeat         MessageType = "HEARTBEAT"
)

// Message is a single bus message, persisted as one file per message in the
// recipient's inbox directory.
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	// Encoding selects the on-disk wire format for this message's file.
	// Empty (the default) means plain JSON, per spec §6. "msgpack" opts a
	// single message into a binary encoding, useful when Payload carries
	// byte-heavy content (e.g. a TASK_COMPLETED createdFiles sample).
	Encoding string `json:"encoding,omitempty"`
}

// AgentStatus is a worker's lifecycle state as seen by the coordinator.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentRunning      AgentStatus = "running"
	AgentUnresponsive AgentStatus = "unresponsive"
	AgentStopped      AgentStatus = "stopped"
)

// TaskType identifies the kind of work a Task carries, used to match tasks
// to agent capability sets.
type TaskType string

// AgentRecord is the coordinator's view of one supervised worker.
type AgentRecord struct {
	Name          string         `json:"name"`
	Capabilities  map[TaskType]struct{} `json:"-"`
	MaxConcurrent int            `json:"maxConcurrent"`
	Status        AgentStatus    `json:"status"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
	ActiveTasks   int            `json:"activeTasks"`
	Metrics       map[string]any `json:"metrics,omitempty"`
}

// TaskStatus is a Task's lifecycle state.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskAssigned    TaskStatus = "assigned"
	TaskAccepted    TaskStatus = "accepted"
	TaskInProgress  TaskStatus = "in-progress"
	TaskCompleted   TaskStatus = "completed"
	TaskError       TaskStatus = "error"
)

// Task is a unit of work dispatched from the coordinator to a
// capability-matching worker.
type Task struct {
	TaskID      string         `json:"taskId"`
	Type        TaskType       `json:"type"`
	Context     map[string]any `json:"context,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      TaskStatus     `json:"status"`
	AssignedTo  string         `json:"assignedTo,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Retries     int            `json:"retries"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Deadline    time.Time      `json:"deadline,omitempty"`
	// NotBefore holds a retried task out of assignment until its backoff
	// delay elapses (spec §4.J retry policy). Zero means immediately
	// eligible, which is true of every task on its first submission.
	NotBefore time.Time `json:"notBefore,omitempty"`
}

// SeverityToPriority implements the severity->lock-priority mapping used by
// the Repair Engine when it acquires the per-source-file lock (spec §4.G
// step 2): critical/high -> high, medium -> medium (treated as normal
// lock priority, there being no "medium" lock priority), low -> low.
func SeverityToPriority(s Severity) Priority {
	switch s {
	case SeverityCritical, SeverityHigh:
		return PriorityHigh
	case SeverityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
