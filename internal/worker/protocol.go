// ABOUTME: Wire protocol between the gateway and its worker processes
// ABOUTME: Newline-delimited JSON over stdin/stdout, correlated by request ID

package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hearthd/hearth-gateway/internal/model"
)

// Frame types.
const (
	TypeTask = "task"
	TypePing = "ping"
)

// maxFrameBytes bounds one protocol line. Context snapshots carry whole
// conversations, so this is generous.
const maxFrameBytes = 4 << 20

// Task is one unit of work sent to a worker. The context snapshot travels
// with the task so the worker needs no database access.
type Task struct {
	Type            string           `json:"type"`
	RequestID       string           `json:"request_id"`
	ConversationKey string           `json:"conversation_key,omitempty"`
	System          string           `json:"system,omitempty"`
	Turns           []model.Turn     `json:"turns,omitempty"`
	Memories        []MemorySnapshot `json:"memories,omitempty"`
}

// MemorySnapshot is one stored memory shipped with a task so the worker can
// serve recall without database access.
type MemorySnapshot struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// PendingPush is a proactive send the worker wants the gateway to execute.
type PendingPush struct {
	ConnectorID     string `json:"connector_id"`
	ConversationKey string `json:"conversation_key"`
	ParticipantID   string `json:"participant_id,omitempty"`
	Text            string `json:"text"`
}

// PendingJob is a scheduler operation the worker wants the gateway to execute.
type PendingJob struct {
	Kind            string        `json:"kind"`
	ConversationKey string        `json:"conversation_key"`
	ConnectorID     string        `json:"connector_id"`
	ParticipantID   string        `json:"participant_id,omitempty"`
	Payload         string        `json:"payload"`
	FireAt          time.Time     `json:"fire_at"`
	Every           time.Duration `json:"every,omitempty"`
}

// PendingMemory is a memory mutation the worker wants the gateway to execute.
type PendingMemory struct {
	Op              string `json:"op"` // "save" or "delete"
	ID              string `json:"id,omitempty"`
	ConversationKey string `json:"conversation_key,omitempty"` // empty means global
	Content         string `json:"content,omitempty"`
}

// Result is the worker's answer to a task. Side effects come back as pending
// operations because the worker has no bus, store, or connector access.
type Result struct {
	Type            string          `json:"type"`
	RequestID       string          `json:"request_id"`
	ReplyText       string          `json:"reply_text,omitempty"`
	PendingPushes   []PendingPush   `json:"pending_pushes,omitempty"`
	PendingJobs     []PendingJob    `json:"pending_jobs,omitempty"`
	PendingMemories []PendingMemory `json:"pending_memories,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// taskWriter emits one JSON object per line.
type taskWriter struct {
	enc *json.Encoder
}

func newTaskWriter(w io.Writer) *taskWriter {
	return &taskWriter{enc: json.NewEncoder(w)}
}

func (t *taskWriter) Write(task *Task) error {
	return t.enc.Encode(task)
}

// taskReader scans task lines off a worker's stdin.
type taskReader struct {
	scanner *bufio.Scanner
}

func newTaskReader(r io.Reader) *taskReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return &taskReader{scanner: s}
}

func (t *taskReader) Read() (*Task, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var task Task
	if err := json.Unmarshal(t.scanner.Bytes(), &task); err != nil {
		return nil, fmt.Errorf("malformed task frame: %w", err)
	}
	return &task, nil
}

// resultReader scans result lines off a worker's stdout.
type resultReader struct {
	scanner *bufio.Scanner
}

func newResultReader(r io.Reader) *resultReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return &resultReader{scanner: s}
}

func (r *resultReader) Read() (*Result, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var res Result
	if err := json.Unmarshal(r.scanner.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("malformed result frame: %w", err)
	}
	return &res, nil
}
