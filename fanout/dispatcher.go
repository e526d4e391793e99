// Package fanout routes receipt state changes to the realtime channel, the
// email notifier and the push notifier. Sinks are independent: one failing
// never stops another, and none of them can fail the state transition that
// produced the event.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/talkbase/receiptsync/internal"
	"github.com/talkbase/receiptsync/pubsub"
	"github.com/tidwall/sjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// NotificationKind tags the email/push jobs produced for created messages.
const NotificationKind = "new_message"

// PresenceLookup answers whether a participant currently has a live session.
type PresenceLookup interface {
	IsOnline(user internal.UserRef) bool
}

// PrefsLookup answers whether a participant opted into push for a kind of
// notification. *state.PrefsTable is the production implementation.
type PrefsLookup interface {
	SelectPushEnabled(user internal.UserRef, notificationKind string) (bool, error)
}

// ActivityLookup answers when a participant last sent a message in a
// conversation. *state.MessagesTable is the production implementation.
type ActivityLookup interface {
	SelectLastSentAt(conversationID int64, sender internal.UserRef) (time.Time, bool, error)
}

// JobQueue hands a payload to the job infrastructure. Enqueue is the whole
// contract: delivery and retry belong to the queue, not to the dispatcher.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload []byte) error
}

// Renderer produces the client-facing rendering of a receipt for `created`
// events. *rcache.RenderCache is the production implementation.
type Renderer interface {
	Render(ctx context.Context, receipt *internal.Receipt, msg *internal.Message) (json.RawMessage, error)
}

type Config struct {
	Realtime pubsub.Notifier
	Email    JobQueue
	Push     JobQueue
	Presence PresenceLookup
	Prefs    PrefsLookup
	Activity ActivityLookup
	Renderer Renderer
	Policy   Policy
	// BaseURL prefixes the deep link in push payloads, e.g "https://example.com".
	BaseURL          string
	Workers          *internal.WorkerPool
	EnablePrometheus bool
}

// Dispatcher implements receipts.EventSink. Realtime publishes are
// fire-and-forget; email/push are enqueued exactly once per non-suppressed
// event. Created events run on the worker pool because deciding suppression
// needs presence/activity/prefs lookups which must not block the transition.
type Dispatcher struct {
	cfg        Config
	jobCounter *prometheus.CounterVec
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Policy.QuietWindow == 0 {
		cfg.Policy = NewPolicy(0)
	}
	d := &Dispatcher{cfg: cfg}
	if cfg.EnablePrometheus {
		d.jobCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receiptsync",
			Subsystem: "fanout",
			Name:      "num_jobs",
			Help:      "Number of notification jobs enqueued, by sink",
		}, []string{"sink"})
		prometheus.MustRegister(d.jobCounter)
	}
	return d
}

func (d *Dispatcher) Teardown() {
	if d.jobCounter != nil {
		prometheus.Unregister(d.jobCounter)
	}
}

// OnCreated fans a new receipt out to the recipient's realtime channel and,
// policy permitting, to the email and push queues. The receipt row is already
// committed when this runs.
func (d *Dispatcher) OnCreated(ctx context.Context, receipt *internal.Receipt, msg *internal.Message) {
	r := *receipt
	m := *msg
	d.cfg.Workers.Queue(func() {
		// the triggering request has already returned by the time this runs,
		// so its context must not govern the fanout
		d.created(context.Background(), &r, &m)
	})
}

func (d *Dispatcher) created(ctx context.Context, receipt *internal.Receipt, msg *internal.Message) {
	receiver := receipt.Receiver()

	rendered, err := d.cfg.Renderer.Render(ctx, receipt, msg)
	if err != nil {
		logger.Error().Err(err).Int64("receipt", receipt.ID).Msg("failed to render receipt, sending minimal payload")
		rendered, _ = json.Marshal(map[string]int64{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
		})
	}
	d.publish(&pubsub.ReceiptNew{Target: receiver, Data: rendered})

	selfSend := receiver == msg.Sender()

	// email: debounced by the quiet window, skipped for online recipients
	online := d.cfg.Presence.IsOnline(receiver)
	lastActivity, hasActivity, err := d.cfg.Activity.SelectLastSentAt(msg.ConversationID, receiver)
	if err != nil {
		// fail open: a lookup error should not silently drop the email
		logger.Error().Err(err).Msg("last-activity lookup failed, assuming no recent activity")
		hasActivity = false
	}
	if !d.cfg.Policy.SuppressEmail(selfSend, online, lastActivity, hasActivity, time.Now()) {
		d.enqueue(ctx, "email", d.cfg.Email, d.emailPayload(receiver, msg))
	}

	// push: opt-in only, decided independently of email
	optedIn, err := d.cfg.Prefs.SelectPushEnabled(receiver, NotificationKind)
	if err != nil {
		logger.Error().Err(err).Msg("push prefs lookup failed, skipping push")
		optedIn = false
	}
	if d.cfg.Policy.AllowPush(optedIn, selfSend) {
		d.enqueue(ctx, "push", d.cfg.Push, d.pushPayload(receiver, msg))
	}
}

// OnRead tells the *sender* their message has been read. The reader gets
// nothing: they know what they did.
func (d *Dispatcher) OnRead(ctx context.Context, senderReceipt *internal.Receipt, msg *internal.Message) {
	d.publish(&pubsub.ReceiptRead{
		Target:         msg.Sender(),
		ReceiptID:      senderReceipt.ID,
		ConversationID: msg.ConversationID,
		IsRead:         true,
	})
}

// OnUpdated tells the owning receiver their receipt changed.
func (d *Dispatcher) OnUpdated(ctx context.Context, receipt *internal.Receipt, msg *internal.Message) {
	d.publish(&pubsub.ReceiptUpdate{
		Target:         receipt.Receiver(),
		ReceiptID:      receipt.ID,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		IsRead:         receipt.IsRead,
		Trashed:        receipt.Trashed,
		Deleted:        receipt.Deleted,
		MailboxType:    receipt.MailboxType,
	})
}

// OnDestroyed tells a recipient their unread copy was rescinded by the sender.
func (d *Dispatcher) OnDestroyed(ctx context.Context, receipt *internal.Receipt, msg *internal.Message) {
	d.publish(&pubsub.ReceiptGone{
		Target:         receipt.Receiver(),
		ReceiptID:      receipt.ID,
		ConversationID: msg.ConversationID,
	})
}

// publish is best-effort: a realtime failure is logged and swallowed, it never
// reaches the caller.
func (d *Dispatcher) publish(p pubsub.Payload) {
	if err := d.cfg.Realtime.Notify(pubsub.ChanRealtime, p); err != nil {
		logger.Error().Err(err).Str("payload", p.Type()).Msg("realtime publish failed")
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, sink string, q JobQueue, payload []byte) {
	if err := q.Enqueue(ctx, NotificationKind, payload); err != nil {
		// the queue owns retries; all we can do here is record the failure
		logger.Error().Err(err).Str("sink", sink).Msg("notification enqueue failed")
		return
	}
	if d.jobCounter != nil {
		d.jobCounter.WithLabelValues(sink).Inc()
	}
}

func (d *Dispatcher) emailPayload(receiver internal.UserRef, msg *internal.Message) []byte {
	b := []byte(`{}`)
	b, _ = sjson.SetBytes(b, "job_id", uuid.NewString())
	b, _ = sjson.SetBytes(b, "user_id", receiver.ID)
	b, _ = sjson.SetBytes(b, "user_kind", receiver.Kind)
	b, _ = sjson.SetBytes(b, "sender_name", msg.SenderName)
	b, _ = sjson.SetBytes(b, "time", msg.CreatedAt.Format("02 January 2006 15:04"))
	b, _ = sjson.SetBytes(b, "message", brBody(msg.Body))
	b, _ = sjson.SetBytes(b, "conversation_id", msg.ConversationID)
	return b
}

func (d *Dispatcher) pushPayload(receiver internal.UserRef, msg *internal.Message) []byte {
	b := []byte(`{}`)
	b, _ = sjson.SetBytes(b, "job_id", uuid.NewString())
	b, _ = sjson.SetBytes(b, "user_id", receiver.ID)
	b, _ = sjson.SetBytes(b, "user_kind", receiver.Kind)
	b, _ = sjson.SetBytes(b, "title", msg.SenderName)
	if msg.SenderAvatar != "" {
		b, _ = sjson.SetBytes(b, "icon", msg.SenderAvatar)
	}
	b, _ = sjson.SetBytes(b, "message", brBody(msg.Body))
	b, _ = sjson.SetBytes(b, "url", dialogURL(d.cfg.BaseURL, msg.ConversationID))
	return b
}

// brBody converts newlines into <br /> for HTML email/push bodies. The body is
// deliberately not HTML-escaped here; templating downstream owns escaping.
func brBody(body string) string {
	return strings.ReplaceAll(body, "\n", "<br />")
}

func dialogURL(base string, conversationID int64) string {
	return fmt.Sprintf("%s/my/messages?dialog=%d", strings.TrimRight(base, "/"), conversationID)
}
