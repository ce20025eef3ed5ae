package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Lifecycle event kinds published when grading work settles.
const (
	EventSessionCompleted = "grading.session.completed"
	EventSessionFailed    = "grading.session.failed"
	EventSessionAborted   = "grading.session.aborted"
	EventBatchSettled     = "grading.batch.settled"
)

// LifecycleEvent is the payload fanned out over redis pub/sub and NATS so
// other nodes and downstream consumers can react to grading outcomes.
type LifecycleEvent struct {
	Source         string    `json:"source"`
	Kind           string    `json:"kind"`
	BatchID        string    `json:"batch_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	AssignmentID   uint      `json:"assignment_id,omitempty"`
	StudentID      uint      `json:"student_id,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Message        string    `json:"message,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// EventPublisher publishes grading lifecycle events best-effort: delivery
// problems are logged, never propagated into the grading path.
type EventPublisher struct {
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	logger      zerolog.Logger
	nodeID      string
}

// NewEventPublisher constructs a publisher. Either backend may be nil.
func NewEventPublisher(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) *EventPublisher {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":grading"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".grading"
	}

	return &EventPublisher{
		redis:       redisClient,
		redisStream: stream,
		nats:        natsConn,
		natsSubject: subject,
		logger:      logger.With().Str("component", "event_publisher").Logger(),
		nodeID:      uuid.NewString(),
	}
}

// Publish sends the event to every configured backend.
func (p *EventPublisher) Publish(ctx context.Context, event LifecycleEvent) {
	if p == nil {
		return
	}

	event.Source = p.nodeID
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to marshal lifecycle event")
		return
	}

	if p.redis != nil && p.redisStream != "" {
		if err := p.redis.Publish(ctx, p.redisStream, payload).Err(); err != nil {
			p.logger.Warn().Err(err).Str("kind", event.Kind).Msg("failed to publish lifecycle event to redis")
		}
	}

	if p.nats != nil && p.natsSubject != "" {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			p.logger.Warn().Err(err).Str("kind", event.Kind).Msg("failed to publish lifecycle event to nats")
		}
	}
}
