package events_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/internal/events"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	errors int
}

func (l *testLogger) Debugf(format string, args ...interface{}) {}
func (l *testLogger) Infof(format string, args ...interface{})  {}
func (l *testLogger) Warnf(format string, args ...interface{})  {}
func (l *testLogger) Errorf(format string, args ...interface{}) { l.errors++ }

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	messages []message
	err      error
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message{subject: subj, data: data})
	return nil
}

func TestNotifier_PublishesTerminalState(t *testing.T) {
	pub := &fakePublisher{}
	n := events.NewNotifier(pub, &testLogger{})
	now := time.Now().UTC().Truncate(time.Second)
	rec := models.ProgressRecord{
		ID:          uuid.New(),
		TaskType:    "RunUniverseScript",
		State:       models.FailureTaskState,
		Owner:       "cp-1",
		Details:     json.RawMessage(`{"errorString":"task failed: batch step-0: disk full"}`),
		CompletedAt: &now,
	}

	n.TaskFinished(rec)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "commissioner.tasks.failure", pub.messages[0].subject)
	var ev events.TaskEvent
	require.NoError(t, json.Unmarshal(pub.messages[0].data, &ev))
	assert.Equal(t, rec.ID, ev.TaskID)
	assert.Equal(t, models.FailureTaskState, ev.State)
	assert.Equal(t, "task failed: batch step-0: disk full", ev.ErrorString)
	require.NotNil(t, ev.CompletedAt)
	assert.True(t, now.Equal(*ev.CompletedAt))
}

func TestNotifier_PublishErrorIsLogged(t *testing.T) {
	logger := &testLogger{}
	n := events.NewNotifier(&fakePublisher{err: errors.New("nats: connection closed")}, logger)

	n.TaskFinished(models.ProgressRecord{ID: uuid.New(), State: models.SuccessTaskState})
	assert.Equal(t, 1, logger.errors)
	n.Close()
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "commissioner.tasks.success", events.Subject(models.SuccessTaskState))
	assert.Equal(t, "commissioner.tasks.aborted", events.Subject(models.AbortedTaskState))
}
