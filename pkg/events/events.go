// Package events publishes job lifecycle transitions to external subscribers.
//
// Publication is fire-and-forget: a failed publish is logged and never affects
// the job it describes.
package events

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobkernel/pkg/jobregistry"
	"github.com/3leaps/jobkernel/pkg/lifecycle"
)

// DefaultSubjectPrefix is prepended to the destination state to form a subject.
const DefaultSubjectPrefix = "jobkernel.jobs"

// Message is the wire form of one transition.
type Message struct {
	JobID string    `json:"job_id"`
	Name  string    `json:"name"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// FromTransition converts a registry transition.
func FromTransition(t jobregistry.Transition) Message {
	return Message{
		JobID: t.JobID,
		Name:  t.Name,
		From:  string(t.From),
		To:    string(t.To),
		Event: string(t.Event),
		At:    t.At.UTC(),
	}
}

// Publisher delivers lifecycle messages.
type Publisher interface {
	Publish(msg Message) error
	Close() error
}

// Subject returns "<prefix>.<state>". A blank prefix falls back to
// DefaultSubjectPrefix.
func Subject(prefix string, state lifecycle.State) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(state)
}

// Listener adapts p to a registry listener. Publish errors are logged at warn.
func Listener(p Publisher, logger *zap.Logger) jobregistry.Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return jobregistry.ListenerFunc(func(t jobregistry.Transition) {
		if err := p.Publish(FromTransition(t)); err != nil {
			logger.Warn("Failed to publish lifecycle event",
				zap.String("job_id", t.JobID),
				zap.String("to", string(t.To)),
				zap.Error(err))
		}
	})
}
