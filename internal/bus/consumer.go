// Package bus consumes gateway events from Kafka and dispatches them
// to the memory capture hooks. The consumer is optional; without
// configured brokers the service runs HTTP-only.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/membank/internal/gateway"
	"github.com/KafClaw/membank/internal/identity"
)

// Event types the gateway publishes.
const (
	EventMessageReceived = "message.received"
	EventTaskCompleted   = "task.completed"
	EventToolCompleted   = "tool.completed"
)

// Event is the wire envelope for gateway activity.
type Event struct {
	Type              string         `json:"type"`
	TenantID          string         `json:"tenant_id"`
	Scope             identity.Scope `json:"scope"`
	Content           string         `json:"content"`
	Title             string         `json:"title,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	AuthorAgentID     *string        `json:"author_agent_id,omitempty"`
	ToolName          *string        `json:"tool_name,omitempty"`
	ArtifactMemoryIDs []string       `json:"artifact_memory_ids,omitempty"`
}

// CaptureHooks is the hook surface the consumer dispatches into.
type CaptureHooks interface {
	OnMessageReceived(ctx context.Context, tenantID string, scope identity.Scope, content string, authorAgentID *string, tags []string) string
	OnTaskCompleted(ctx context.Context, ev gateway.TaskCompleted) string
	OnToolCompleted(ctx context.Context, tenantID string, scope identity.Scope, toolName, resultSummary string, authorAgentID *string, tags []string) string
}

// Consumer reads gateway events and feeds the capture hooks.
type Consumer struct {
	reader *kafka.Reader
	hooks  CaptureHooks
	log    *slog.Logger
}

// NewConsumer builds a Kafka consumer for the given brokers (comma
// separated), topic, and group. The logger may be nil.
func NewConsumer(brokers, topic, group string, hooks CaptureHooks, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(brokers, ","),
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, hooks: hooks, log: log.With("component", "bus")}
}

// Run consumes until the context is canceled. Malformed or unknown
// events are logged and skipped; the loop never stops on a bad message.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("kafka read error", "error", err)
			continue
		}
		c.Dispatch(ctx, msg.Value)
	}
}

// Dispatch decodes one event payload and invokes the matching hook.
func (c *Consumer) Dispatch(ctx context.Context, payload []byte) {
	ev, err := decodeEvent(payload)
	if err != nil {
		c.log.Warn("dropping malformed event", "error", err)
		return
	}

	switch ev.Type {
	case EventMessageReceived:
		c.hooks.OnMessageReceived(ctx, ev.TenantID, ev.Scope, ev.Content, ev.AuthorAgentID, ev.Tags)
	case EventTaskCompleted:
		c.hooks.OnTaskCompleted(ctx, gateway.TaskCompleted{
			TenantID:          ev.TenantID,
			Scope:             ev.Scope,
			Title:             ev.Title,
			Content:           ev.Content,
			Tags:              ev.Tags,
			AuthorAgentID:     ev.AuthorAgentID,
			ToolName:          ev.ToolName,
			ArtifactMemoryIDs: ev.ArtifactMemoryIDs,
		})
	case EventToolCompleted:
		tool := ""
		if ev.ToolName != nil {
			tool = *ev.ToolName
		}
		c.hooks.OnToolCompleted(ctx, ev.TenantID, ev.Scope, tool, ev.Content, ev.AuthorAgentID, ev.Tags)
	default:
		c.log.Warn("dropping unknown event type", "type", ev.Type)
	}
}

// Close stops the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func decodeEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" || ev.TenantID == "" {
		return nil, fmt.Errorf("event missing type or tenant_id")
	}
	return &ev, nil
}
