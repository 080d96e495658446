package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/store"
)

// InteractiveOptions requests that a Send call start or continue an
// interactive run rather than just delivering a one-off message (Section 6:
// POST /send's "interactive?" body field).
type InteractiveOptions struct {
	Prompt         string
	Model          string
	Sandbox        *bool
	TimeoutSeconds int
	Title          string
}

// SendRequest is the channel-agnostic form of a POST /send body.
type SendRequest struct {
	Channel  models.ChannelType
	Target   string // the peer/chat id Normalize would have populated as PeerID
	ThreadID string
	Text     string

	Context     []CallerContextItem
	Interactive *InteractiveOptions
}

// SendResult answers a Send call: SessionID and ThreadID are populated only
// for an interactive send once its session is resolved.
type SendResult struct {
	Delivered bool
	SessionID string
	ThreadID  string
}

// Send delivers a message on behalf of an external caller (the Gateway HTTP
// surface), either as a one-off outbound message or, when Interactive is
// set, as a turn routed through the same active-run/queue machinery as a
// chat-originated message.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if _, ok := d.registry.Get(req.Channel); !ok {
		return SendResult{}, fmt.Errorf("channel %q is not registered", req.Channel)
	}

	chatType := ChatType{Kind: ChatDirect}
	if req.ThreadID != "" {
		chatType = ChatType{Kind: ChatThread, GroupID: req.Target, ThreadID: req.ThreadID}
	}

	inbound := InboundMessage{
		Channel:   req.Channel,
		PeerID:    req.Target,
		ChatType:  chatType,
		Text:      req.Text,
		Metadata:  map[string]any{},
		Timestamp: time.Now(),
	}

	if req.Interactive == nil {
		d.deliverText(ctx, deliveryContextFromInbound(inbound), req.Text)
		return SendResult{Delivered: true}, nil
	}

	if len(req.Context) > 0 {
		targetKey := TargetKeyFromInbound(inbound)
		raw, err := json.Marshal(req.Context)
		if err != nil {
			return SendResult{}, fmt.Errorf("marshal caller context: %w", err)
		}
		if err := d.store.PutDeliveryContext(ctx, string(req.Channel), targetKey, raw, store.DefaultDeliveryContextTTL); err != nil {
			d.logger.Warn("gateway: failed to cache send context", "error", err)
		}
	}

	runOpts := map[string]any{}
	if req.Interactive.Model != "" {
		runOpts["model"] = req.Interactive.Model
	}
	if req.Interactive.Sandbox != nil {
		runOpts["sandbox"] = *req.Interactive.Sandbox
	}
	if req.Interactive.TimeoutSeconds > 0 {
		runOpts["timeout"] = req.Interactive.TimeoutSeconds
	}
	if len(runOpts) > 0 {
		inbound.Metadata["gateway_run_options"] = runOpts
	}
	if req.Interactive.Prompt != "" {
		inbound.Text = req.Interactive.Prompt
	}

	routingKey := ResolveRoutingKey(inbound.Channel, inbound.ChatType, inbound.PeerID, d.dmScope)

	if err := d.handleInbound(ctx, inbound, d.runResults, &d.inflight); err != nil {
		return SendResult{}, err
	}

	mapping, err := d.store.GetRoutingMapping(ctx, routingKey)
	if err != nil || mapping == nil {
		return SendResult{Delivered: true}, nil
	}
	if req.Interactive.Title != "" && req.Interactive.Title != mapping.Title {
		if err := d.store.RenameRoutingMapping(ctx, routingKey, req.Interactive.Title); err != nil {
			d.logger.Warn("gateway: failed to rename session on send", "error", err)
		}
	}

	return SendResult{Delivered: true, SessionID: mapping.SessionID, ThreadID: req.ThreadID}, nil
}
