// Package notify is the C8 notification dispatcher: it joins the
// stream/consumer-group pairs named by a list of configured event
// mappings, matches each delivered record against them, and renders
// and sends the resulting email via C9/C10.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/ingest"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"github.com/tfp-event-fabric/fabric/pkg/mailer"
	"github.com/tfp-event-fabric/fabric/pkg/streamfields"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore"
)

// Config controls dispatcher-wide behavior.
type Config struct {
	PollTimeout time.Duration `env:"NOTIFY_POLL_TIMEOUT" env-default:"5s"`
	ConsumerID  string        `env:"NOTIFY_CONSUMER_ID"`

	// ClaimMinIdle is how long a pending-entry-list delivery must sit
	// unacknowledged before another consumer reclaims it.
	ClaimMinIdle time.Duration `env:"NOTIFY_CLAIM_MIN_IDLE" env-default:"30s"`
}

type groupKey struct {
	stream string
	group  string
}

// Dispatcher runs one consumer loop per distinct (stream, consumerGroup)
// pair named across all registered mappings.
type Dispatcher struct {
	cfg      Config
	streams  streamstore.Client
	mailer   *mailer.Mailer
	mappings []EventMapping
	consumer string

	mu        sync.Mutex
	cancelFns []context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, streams streamstore.Client, mlr *mailer.Mailer, mappings []EventMapping) *Dispatcher {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	consumer := cfg.ConsumerID
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	return &Dispatcher{cfg: cfg, streams: streams, mailer: mlr, mappings: mappings, consumer: consumer}
}

// Start ensures every mapping's consumer group exists and spawns one
// consume loop per distinct (stream, group) pair.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := map[groupKey]bool{}
	for _, m := range d.mappings {
		key := groupKey{m.Stream, m.ConsumerGroup}
		if seen[key] {
			continue
		}
		seen[key] = true

		if err := d.streams.EnsureGroup(ctx, m.Stream, m.ConsumerGroup); err != nil {
			return fmt.Errorf("ensure group for %s/%s: %w", m.Stream, m.ConsumerGroup, err)
		}

		loopCtx, cancel := context.WithCancel(ctx)
		d.cancelFns = append(d.cancelFns, cancel)

		d.wg.Add(1)
		go func(k groupKey) {
			defer d.wg.Done()
			d.consumeLoop(loopCtx, k.stream, k.group)
		}(key)
	}
	return nil
}

// Stop cancels every consume loop and waits for in-flight messages.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	for _, cancel := range d.cancelFns {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) consumeLoop(ctx context.Context, stream, group string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if delivery, err := d.streams.Claim(ctx, stream, group, d.consumer, d.cfg.ClaimMinIdle); err != nil {
			logger.L().ErrorContext(ctx, "pending-entry claim failed", "stream", stream, "group", group, "error", err)
		} else if delivery != nil {
			d.handle(ctx, stream, group, delivery)
			continue
		}

		delivery, err := d.streams.ReadGroup(ctx, stream, group, d.consumer, d.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.L().ErrorContext(ctx, "stream read failed", "stream", stream, "group", group, "error", err)
			continue
		}
		if delivery == nil {
			continue
		}

		d.handle(ctx, stream, group, delivery)
	}
}

func (d *Dispatcher) handle(ctx context.Context, stream, group string, delivery *streamstore.Delivery) {
	fields := streamfields.Unquote(delivery.Fields)

	mapping, ok := d.matchMapping(stream, fields)
	if !ok {
		logger.L().DebugContext(ctx, "no mapping matched delivery, skipping", "stream", stream, "group", group)
		d.ack(ctx, stream, group, delivery.ID)
		return
	}

	if err := d.dispatchOne(ctx, mapping, fields); err != nil {
		logger.L().ErrorContext(ctx, "notification dispatch failed",
			"stream", stream, "template", mapping.TemplateCode, "message_id", fields["message_id"], "error", err)
	}

	if mapping.autoAck() {
		d.ack(ctx, stream, group, delivery.ID)
	}
}

func (d *Dispatcher) matchMapping(stream string, fields map[string]string) (EventMapping, bool) {
	for _, m := range d.mappings {
		if m.matches(stream, fields) {
			return m, true
		}
	}
	return EventMapping{}, false
}

func (d *Dispatcher) ack(ctx context.Context, stream, group, deliveryID string) {
	if err := d.streams.Ack(ctx, stream, group, deliveryID); err != nil {
		logger.L().ErrorContext(ctx, "failed to acknowledge delivery", "stream", stream, "group", group, "error", err)
	}
}

// dispatchOne runs the matched mapping's action: direct send or
// template render-and-send. Errors are returned for logging only —
// callers never let them block acknowledgement.
func (d *Dispatcher) dispatchOne(ctx context.Context, mapping EventMapping, fields map[string]string) error {
	messageID := fields["message_id"]

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(fields["payload"]), &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	if mapping.DirectEmail {
		req, err := parseDirectEmailRequest(payload)
		if err != nil {
			return fmt.Errorf("parse direct email parameters: %w", err)
		}
		_, err = d.mailer.SendDirectEmail(ctx, req, messageID, "notify-dispatcher")
		return err
	}

	tmpl, err := d.mailer.LoadTemplate(ctx, mapping.TemplateCode)
	if err != nil {
		return fmt.Errorf("load template %s: %w", mapping.TemplateCode, err)
	}

	rule := mailer.RecipientRule{
		SingleMail:         mapping.SingleMail,
		EmailListSpecified: mapping.EmailListSpecified,
		EmailSenderName:    mapping.EmailSenderName,
	}
	_, err = d.mailer.SendFromTemplate(ctx, tmpl, rule, payload, "stream_event", messageID, "notify-dispatcher")
	return err
}

// parseDirectEmailRequest extracts parameters.{from, sender_name, to,
// cc, ccn, subject, body, is_html, attachments, delete_attachments}.
// "parameters" may arrive as a nested object or as a JSON-quoted
// string (occasionally double-encoded); both are accepted.
func parseDirectEmailRequest(payload map[string]interface{}) (mailer.DirectEmailRequest, error) {
	raw, ok := payload["parameters"]
	if !ok {
		return mailer.DirectEmailRequest{}, fmt.Errorf("missing parameters")
	}

	params, err := resolveParameters(raw)
	if err != nil {
		return mailer.DirectEmailRequest{}, err
	}

	return mailer.DirectEmailRequest{
		From:              ingest.GetString(params, "from"),
		SenderName:        ingest.GetString(params, "sender_name"),
		To:                stringList(params["to"]),
		CC:                stringList(params["cc"]),
		BCC:               stringList(params["ccn"]),
		Subject:           ingest.GetString(params, "subject"),
		Body:              ingest.GetString(params, "body"),
		IsHTML:            ingest.GetBoolean(params, "is_html"),
		AttachmentIDs:     stringList(params["attachments"]),
		DeleteAttachments: ingest.GetBoolean(params, "delete_attachments"),
	}, nil
}

func resolveParameters(raw interface{}) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v, nil
	case string:
		var once interface{}
		if err := json.Unmarshal([]byte(v), &once); err != nil {
			return nil, fmt.Errorf("unescape parameters: %w", err)
		}
		if m, ok := once.(map[string]interface{}); ok {
			return m, nil
		}
		if s, ok := once.(string); ok {
			var twice map[string]interface{}
			if err := json.Unmarshal([]byte(s), &twice); err != nil {
				return nil, fmt.Errorf("double-unescape parameters: %w", err)
			}
			return twice, nil
		}
		return nil, fmt.Errorf("parameters did not resolve to an object")
	default:
		return nil, fmt.Errorf("unsupported parameters type %T", raw)
	}
}

func stringList(v interface{}) []string {
	switch t := v.(type) {
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
