// Package stream turns DynamoDB Streams records of espalier tables into
// document changes and dispatches them to registered listeners.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
)

// Handler processes DynamoDB stream events.
type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(r *Registry, logger *slog.Logger) *Handler {
	if r == nil {
		r = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: r,
		logger:   logger,
	}
}

// HandleEvent dispatches every record of event in order and stops at the
// first failure. This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleEvent(ctx context.Context, event events.DynamoDBEvent) error {
	for i := range event.Records {
		if err := h.processRecord(ctx, &event.Records[i]); err != nil {
			h.logger.Error("failed to process record",
				"eventID", event.Records[i].EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// HandleBatch is like HandleEvent but reports the first failed record as a
// batch item failure, so the event source only retries from there. Use it
// with ReportBatchItemFailures enabled on the event source mapping.
func (h *Handler) HandleBatch(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for i := range event.Records {
		record := &event.Records[i]
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
			break
		}
	}
	return resp, nil
}

// processRecord decodes a single record and runs the matching listeners.
func (h *Handler) processRecord(ctx context.Context, record *events.DynamoDBEventRecord) error {
	change, ok, err := DecodeRecord(*record)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if !ok {
		h.logger.Debug("skipping foreign record", "eventID", record.EventID)
		return nil
	}

	subs := h.registry.SubscriptionsFor(change.Keyspace.Scope, change.Keyspace.Collection)
	if len(subs) == 0 {
		return nil
	}

	h.logger.Debug("dispatching change",
		"keyspace", change.Keyspace.String(),
		"key", change.Key,
		"kind", change.Kind.String(),
		"listeners", len(subs),
	)
	for _, s := range subs {
		if err := s.Listener(ctx, change); err != nil {
			if s.Name != "" {
				return fmt.Errorf("listener %s: %w", s.Name, err)
			}
			return fmt.Errorf("listener: %w", err)
		}
	}
	return nil
}
