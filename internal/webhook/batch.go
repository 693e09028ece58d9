package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"inbound-mail-webhooks-go/internal/jsonvalue"
	"inbound-mail-webhooks-go/internal/metrics"
	"inbound-mail-webhooks-go/internal/model"
)

// EmailProcessor persists one canonical event. It must be idempotent by
// message id and return ErrAlreadyExists for redeliveries.
type EmailProcessor interface {
	Process(ctx context.Context, event CanonicalEvent, tenant *model.Tenant) (*model.InboundEmail, error)
}

// ErrorDetail describes one event that failed.
type ErrorDetail struct {
	Index     int    `json:"index"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error"`
}

// BatchOutcome aggregates a batch. Skipped counts every event that was not
// processed, failures included; Errors holds the failure details.
type BatchOutcome struct {
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Errors    []ErrorDetail `json:"errors,omitempty"`
}

type eventState int

const (
	statePending eventState = iota
	stateProcessed
	stateSkipped
	stateFailed
)

type eventSlot struct {
	index  int
	event  CanonicalEvent
	state  eventState
	reason string
	err    error
}

// BatchProcessor normalizes events and hands them to an EmailProcessor.
// One bad event never aborts the batch.
type BatchProcessor struct {
	processor   EmailProcessor
	concurrency int
	metrics     *metrics.Metrics
}

// NewBatchProcessor builds a processor. concurrency below 2 processes events
// sequentially in input order.
func NewBatchProcessor(processor EmailProcessor, concurrency int, m *metrics.Metrics) *BatchProcessor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchProcessor{processor: processor, concurrency: concurrency, metrics: m}
}

// Process runs the whole batch and never returns early on a per-event error.
func (b *BatchProcessor) Process(ctx context.Context, events []jsonvalue.Value, tenant *model.Tenant) BatchOutcome {
	slots := make([]*eventSlot, len(events))
	for i, raw := range events {
		slots[i] = b.normalize(i, raw)
	}

	if b.concurrency == 1 {
		for _, slot := range slots {
			b.deliver(ctx, slot, tenant)
		}
	} else {
		b.deliverGrouped(ctx, slots, tenant)
	}

	return b.aggregate(ctx, slots)
}

func (b *BatchProcessor) normalize(index int, raw jsonvalue.Value) (slot *eventSlot) {
	slot = &eventSlot{index: index}
	defer func() {
		if r := recover(); r != nil {
			slot.state = stateFailed
			slot.err = fmt.Errorf("panic while normalizing event: %v", r)
		}
	}()

	result, err := Normalize(raw, index)
	if err != nil {
		slot.state = stateFailed
		slot.err = err
		return slot
	}
	if skip, ok := result.Skipped(); ok {
		slot.state = stateSkipped
		slot.reason = skip.Reason
		return slot
	}
	slot.event, _ = result.Event()
	return slot
}

// deliverGrouped runs events sharing a message id in order, and distinct
// message ids concurrently up to the configured limit.
func (b *BatchProcessor) deliverGrouped(ctx context.Context, slots []*eventSlot, tenant *model.Tenant) {
	var groups [][]*eventSlot
	byMessageID := make(map[string]int)
	for _, slot := range slots {
		if slot.state != statePending {
			continue
		}
		id := slot.event.MessageID
		if id == "" {
			groups = append(groups, []*eventSlot{slot})
			continue
		}
		if g, ok := byMessageID[id]; ok {
			groups[g] = append(groups[g], slot)
			continue
		}
		byMessageID[id] = len(groups)
		groups = append(groups, []*eventSlot{slot})
	}

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			for _, slot := range group {
				b.deliver(ctx, slot, tenant)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (b *BatchProcessor) deliver(ctx context.Context, slot *eventSlot, tenant *model.Tenant) {
	if slot.state != statePending {
		return
	}
	if err := ctx.Err(); err != nil {
		slot.state = stateFailed
		slot.err = fmt.Errorf("request deadline exceeded: %w", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slot.state = stateFailed
			slot.err = &DownstreamProcessingError{MessageID: slot.event.MessageID, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	_, err := b.processor.Process(ctx, slot.event, tenant)
	switch {
	case err == nil:
		slot.state = stateProcessed
	case errors.Is(err, ErrAlreadyExists):
		slot.state = stateProcessed
		b.metrics.IncDuplicates()
	default:
		slot.state = stateFailed
		slot.err = &DownstreamProcessingError{MessageID: slot.event.MessageID, Cause: err}
	}
}

func (b *BatchProcessor) aggregate(ctx context.Context, slots []*eventSlot) BatchOutcome {
	log := LoggerFrom(ctx)
	var outcome BatchOutcome
	var skipped, failed int
	for _, slot := range slots {
		switch slot.state {
		case stateProcessed:
			outcome.Processed++
		case stateSkipped:
			skipped++
			log.WithFields(logrus.Fields{
				"index":  slot.index,
				"reason": slot.reason,
			}).Warn("Skipping webhook event")
		default:
			failed++
			errText := "event was not processed"
			if slot.err != nil {
				errText = slot.err.Error()
			}
			outcome.Errors = append(outcome.Errors, ErrorDetail{
				Index:     slot.index,
				MessageID: slot.event.MessageID,
				Error:     errText,
			})
			log.WithFields(logrus.Fields{
				"index":      slot.index,
				"message_id": slot.event.MessageID,
			}).WithError(slot.err).Error("Failed to process webhook event")
		}
	}
	outcome.Skipped = skipped + failed

	b.metrics.AddEvents("processed", outcome.Processed)
	b.metrics.AddEvents("skipped", skipped)
	b.metrics.AddEvents("failed", failed)
	return outcome
}
