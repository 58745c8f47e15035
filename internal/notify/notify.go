package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const CategoryExamResult = "EXAM_RESULT"

var ErrNoAddress = errors.New("recipient has no address")

type Message struct {
	ID          uuid.UUID `json:"id"`
	RecipientID int64     `json:"recipient_id"`
	To          string    `json:"to,omitempty"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewMessage stamps a message with a fresh id and creation time.
func NewMessage(recipientID int64, to, title, body, category string) Message {
	return Message{
		ID:          uuid.New(),
		RecipientID: recipientID,
		To:          to,
		Title:       title,
		Body:        body,
		Category:    category,
		CreatedAt:   time.Now().UTC(),
	}
}

type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, msg Message) error {
	l := s.Log
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "notification",
		"id", msg.ID.String(),
		"recipient_id", msg.RecipientID,
		"category", msg.Category,
		"title", msg.Title,
	)
	return nil
}

type multiSink []Sink

// Multi delivers to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher delivers messages in the background. Delivery errors are logged
// and never reach the caller.
type Dispatcher struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sink Sink, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{sink: sink, log: log, timeout: 15 * time.Second}
}

// Dispatch queues msg and returns immediately. Messages sent after Close are
// dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	d.mu.Lock()
	if d.closed || d.sink == nil {
		d.mu.Unlock()
		d.log.Warn("notification dropped", "id", msg.ID.String(), "recipient_id", msg.RecipientID)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.sink.Notify(sendCtx, msg); err != nil {
			d.log.Warn("notification failed", "id", msg.ID.String(), "recipient_id", msg.RecipientID, "error", err)
		}
	}()
}

// Close stops accepting messages and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
