package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/session"
)

// consumeRunEvents drains one run's event stream, delivering text to its
// origin channel as it streams in, until the run reaches a terminal state,
// its optional timeout elapses, or the dispatcher shuts down (Section 4.G).
// It returns the run's outcome and the highest event id observed.
func (d *Dispatcher) consumeRunEvents(ctx context.Context, delivery models.DeliveryContext, sessionID string, handle RunHandle, timeoutSeconds int) (runOutcome, uint64) {
	var buffer string
	lastFlush := time.Now()
	var cursor uint64

	var timeoutCh <-chan time.Time
	if timeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(timeoutSeconds) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case ev, ok := <-handle.Events:
			if !ok {
				d.flushBuffer(ctx, delivery, &buffer, true)
				return d.outcomeFromDone(handle), cursor
			}
			if ev.EventID > cursor {
				cursor = ev.EventID
			}

			switch ev.Type {
			case models.EventTextDelta:
				buffer += ev.TextDelta
				if shouldFlushStreamBuffer(buffer, time.Since(lastFlush)) {
					d.flushBuffer(ctx, delivery, &buffer, false)
					lastFlush = time.Now()
				}

			case models.EventToolCallsProposed:
				d.flushBuffer(ctx, delivery, &buffer, true)
				if names := toolCallNames(ev.ToolCalls); names != "" {
					d.deliverText(ctx, delivery, "🔧 Running: "+names)
				}
				lastFlush = time.Now()

			case models.EventRunCompleted:
				d.flushBuffer(ctx, delivery, &buffer, true)
				d.recordMessageProcessed(delivery.Channel, "success")
				return runOutcomeCompleted, cursor

			case models.EventRunError:
				d.flushBuffer(ctx, delivery, &buffer, true)
				d.logger.Warn("gateway: interactive run failed", "session_id", sessionID, "run_id", handle.RunID, "error", ev.Err)
				d.deliverText(ctx, delivery, fmt.Sprintf("⚠️ Agent run failed (session: %s)", sessionID))
				d.recordMessageProcessed(delivery.Channel, "error")
				d.recordError("run_error")
				return runOutcomeError, cursor
			}

		case <-timeoutCh:
			d.flushBuffer(ctx, delivery, &buffer, true)
			d.deliverText(ctx, delivery, "⏱️ Interactive run timed out.")
			handle.Cancel()
			d.recordMessageProcessed(delivery.Channel, "dropped")
			return runOutcomeError, cursor
		}
	}
}

// outcomeFromDone maps the actor's terminal Outcome once its event stream
// has closed. The events channel closes before Done is sent (Actor.Run
// closes it via defer, ahead of returning its outcome to the caller that
// forwards it onto Done), so this always has exactly one value to read.
func (d *Dispatcher) outcomeFromDone(handle RunHandle) runOutcome {
	switch <-handle.Done {
	case session.OutcomeRunCompleted:
		return runOutcomeCompleted
	case session.OutcomeRunCancelled:
		return runOutcomeCancelled
	default:
		return runOutcomeError
	}
}

func toolCallNames(toolCalls []models.MessagePart) string {
	names := make([]string, 0, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ToolName != "" {
			names = append(names, tc.ToolName)
		}
	}
	return strings.Join(names, ", ")
}

func (d *Dispatcher) flushBuffer(ctx context.Context, delivery models.DeliveryContext, buffer *string, force bool) {
	text, ok := flushStreamBuffer(buffer, force)
	if !ok {
		return
	}
	d.deliverText(ctx, delivery, text)
}

// deliverText sends text back to the channel and peer a delivery context
// identifies, via whichever outbound adapter is registered for it.
func (d *Dispatcher) deliverText(ctx context.Context, delivery models.DeliveryContext, text string) {
	if !d.sendAllowed(delivery) {
		return
	}

	adapter, ok := d.registry.GetOutbound(delivery.Channel)
	if !ok {
		d.logger.Warn("gateway: no outbound adapter for channel", "channel", delivery.Channel)
		return
	}

	msg := &models.Message{
		Role:      models.RoleAssistant,
		Text:      text,
		CreatedAt: time.Now(),
		Metadata:  outboundMetadata(delivery),
	}
	if err := adapter.Send(ctx, msg); err != nil {
		d.logger.Warn("gateway: failed to deliver reply", "channel", delivery.Channel, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.MessageSent(string(delivery.Channel))
	}
}

// outboundMetadata rebuilds the channel-specific metadata keys each
// adapter's Send expects. ChannelMeta already carries them verbatim from
// the inbound message that seeded this delivery context; telegram's
// chat_id is the one key Normalize derives rather than stores, so it needs
// restoring explicitly.
func outboundMetadata(delivery models.DeliveryContext) map[string]any {
	md := make(map[string]any, len(delivery.ChannelMeta)+1)
	for k, v := range delivery.ChannelMeta {
		md[k] = v
	}
	if delivery.Channel == models.ChannelTelegram {
		if _, ok := md["chat_id"]; !ok {
			md["chat_id"] = delivery.PeerID
		}
	}
	return md
}
