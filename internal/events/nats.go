package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/service"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix is followed by the lower-cased terminal state, e.g.
// commissioner.tasks.failure
const SubjectPrefix = "commissioner.tasks."

// TaskEvent is published once per top-level task reaching a terminal state.
type TaskEvent struct {
	TaskID      uuid.UUID        `json:"task_id"`
	TaskType    models.TaskType  `json:"task_type"`
	State       models.TaskState `json:"state"`
	Owner       string           `json:"owner"`
	ErrorString string           `json:"error_string,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Publisher is the part of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Notifier publishes task events; it implements service.Notifier.
type Notifier struct {
	pub    Publisher
	conn   *nats.Conn
	logger service.Logger
}

func NewNotifier(pub Publisher, logger service.Logger) *Notifier {
	return &Notifier{pub: pub, logger: logger}
}

// Connect dials NATS and keeps reconnecting in the background.
func Connect(url string, logger service.Logger) (*Notifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("commissioner"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &Notifier{pub: nc, conn: nc, logger: logger}, nil
}

func Subject(state models.TaskState) string {
	return SubjectPrefix + strings.ToLower(string(state))
}

func NewTaskEvent(rec models.ProgressRecord) TaskEvent {
	return TaskEvent{
		TaskID:      rec.ID,
		TaskType:    rec.TaskType,
		State:       rec.State,
		Owner:       rec.Owner,
		ErrorString: rec.ErrorString(),
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
}

// TaskFinished publishes best effort, a failed publish is only logged.
func (n *Notifier) TaskFinished(rec models.ProgressRecord) {
	data, err := json.Marshal(NewTaskEvent(rec))
	if err != nil {
		n.logger.Errorf("Failed to encode event for task %s: %v", rec.ID, err)
		return
	}
	subject := Subject(rec.State)
	if err := n.pub.Publish(subject, data); err != nil {
		n.logger.Errorf("Failed to publish %s for task %s: %v", subject, rec.ID, err)
		return
	}
	n.logger.Debugf("Published %s for task %s", subject, rec.ID)
}

// Close flushes pending events and closes the connection opened by Connect.
func (n *Notifier) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.logger.Warnf("Failed to drain NATS connection: %v", err)
		n.conn.Close()
	}
}
