// Package alert turns terminal batch failures into operator notifications.
//
// The [Notifier] consumes [stream.FailureReport] values through a bounded
// queue so a flood of failing batches can never stall the pipeline: enqueue
// is non-blocking and reports are dropped (with a warning) once the queue is
// full. A single worker goroutine delivers the queued reports.
//
// Every delivered report is logged at error level. When a Discord webhook is
// configured the report is additionally posted as an embed. Near-duplicate
// failures are suppressed for a cooldown window: a report whose error text is
// Jaro-Winkler similar to a recently sent alert is counted but not re-sent,
// so a sink outage produces one notification instead of hundreds.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flowmetry/flowmetry/internal/observe"
	"github.com/flowmetry/flowmetry/internal/stream"
)

const (
	defaultCooldown   = 5 * time.Minute
	defaultSimilarity = 0.85
	defaultQueueSize  = 64

	// recentCap bounds the remembered alert keys used for grouping.
	recentCap = 256

	// embedColorRed is the embed sidebar color for failure notifications.
	embedColorRed = 0xE74C3C
)

// Alert outcomes recorded to metrics.
const (
	outcomeSent       = "sent"
	outcomeSuppressed = "suppressed"
	outcomeDropped    = "dropped"
)

// WebhookSender executes a Discord webhook. *discordgo.Session satisfies it;
// tests substitute a recorder.
type WebhookSender interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds notifier settings.
type Config struct {
	// WebhookID and WebhookToken identify the Discord webhook. Both empty
	// means log-only delivery.
	WebhookID    string
	WebhookToken string

	// Cooldown is the suppression window for similar failures. Zero means
	// the 5 minute default; negative disables suppression entirely.
	Cooldown time.Duration

	// GroupSimilarity is the Jaro-Winkler score at or above which two error
	// texts are considered the same failure. Zero means the 0.85 default.
	GroupSimilarity float64

	// QueueSize bounds the pending report queue. Zero means 64.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Cooldown == 0 {
		c.Cooldown = defaultCooldown
	}
	if c.GroupSimilarity <= 0 {
		c.GroupSimilarity = defaultSimilarity
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Notifier is an asynchronous batch-failure notifier. It implements the
// orchestrator's Alerter contract. Create one with New, call Start, and Stop
// it after the orchestrator so the final reports are still delivered.
type Notifier struct {
	cfg     Config
	sender  WebhookSender
	metrics *observe.Metrics

	// recent maps group keys of sent alerts to the time they were sent.
	recent *lru.Cache[string, time.Time]

	queue    chan stream.FailureReport
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a notifier. sender may be nil for log-only operation; a nil
// metrics handle disables instrumentation.
func New(cfg Config, sender WebhookSender, m *observe.Metrics) *Notifier {
	cfg = cfg.withDefaults()
	recent, err := lru.New[string, time.Time](recentCap)
	if err != nil {
		// Only reachable with a non-positive capacity.
		panic("alert: " + err.Error())
	}
	return &Notifier{
		cfg:     cfg,
		sender:  sender,
		metrics: m,
		recent:  recent,
		queue:   make(chan stream.FailureReport, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop shuts the worker down. Reports already queued are delivered before
// Stop returns; Stop is idempotent.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
	})
	n.wg.Wait()
}

// BatchFailure enqueues a report for delivery. It never blocks: when the
// queue is full the report is dropped and counted.
func (n *Notifier) BatchFailure(ctx context.Context, report stream.FailureReport) {
	select {
	case n.queue <- report:
	default:
		slog.Warn("alert: queue full, dropping report",
			"batch_id", report.BatchID,
			"events", report.Events,
		)
		if n.metrics != nil {
			n.metrics.RecordAlert(ctx, outcomeDropped)
		}
	}
}

// run delivers queued reports until Stop, then drains the remaining queue.
func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			for {
				select {
				case r := <-n.queue:
					n.deliver(r)
				default:
					return
				}
			}
		case r := <-n.queue:
			n.deliver(r)
		}
	}
}

// deliver logs one report and posts it to the webhook unless a similar alert
// was sent within the cooldown window.
func (n *Notifier) deliver(r stream.FailureReport) {
	ctx := context.Background()
	key := groupKey(r)

	if n.suppressed(key) {
		slog.Debug("alert: suppressed similar failure",
			"batch_id", r.BatchID,
			"events", r.Events,
		)
		if n.metrics != nil {
			n.metrics.RecordAlert(ctx, outcomeSuppressed)
		}
		return
	}

	slog.Error("alert: batch failed permanently",
		"batch_id", r.BatchID,
		"events", r.Events,
		"err", r.Err,
	)

	if n.sender != nil && n.cfg.WebhookID != "" {
		_, err := n.sender.WebhookExecute(n.cfg.WebhookID, n.cfg.WebhookToken, false, webhookParams(r))
		if err != nil {
			slog.Warn("alert: failed to execute webhook", "batch_id", r.BatchID, "err", err)
		}
	}

	n.recent.Add(key, time.Now())
	if n.metrics != nil {
		n.metrics.RecordAlert(ctx, outcomeSent)
	}
}

// suppressed reports whether a similar alert was sent within the cooldown.
func (n *Notifier) suppressed(key string) bool {
	if n.cfg.Cooldown < 0 {
		return false
	}
	for _, k := range n.recent.Keys() {
		if matchr.JaroWinkler(key, k, false) < n.cfg.GroupSimilarity {
			continue
		}
		if sentAt, ok := n.recent.Get(k); ok && time.Since(sentAt) < n.cfg.Cooldown {
			return true
		}
	}
	return false
}

// groupKey is the text alerts are grouped on.
func groupKey(r stream.FailureReport) string {
	if r.Err == nil {
		return "unknown failure"
	}
	return r.Err.Error()
}

// webhookParams builds the Discord embed for a failure report.
func webhookParams(r stream.FailureReport) *discordgo.WebhookParams {
	errText := "unknown"
	if r.Err != nil {
		errText = r.Err.Error()
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	return &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{{
			Title: "Batch Delivery Failure",
			Color: embedColorRed,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Batch ID", Value: fmt.Sprintf("`%s`", r.BatchID), Inline: true},
				{Name: "Events", Value: fmt.Sprintf("%d", r.Events), Inline: true},
				{Name: "Error", Value: errText, Inline: false},
			},
			Footer: &discordgo.MessageEmbedFooter{
				Text: "flowmetry",
			},
			Timestamp: at.UTC().Format(time.RFC3339),
		}},
	}
}
