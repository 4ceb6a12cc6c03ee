// Package queue delivers outbound messages durably: every message is stored
// before it is sent and retried on a timer until it is acknowledged or its
// retries run out.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/transport"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("queue")

type Sender interface {
	SendMessage(ctx context.Context, msg *message.Message, ch transport.Channel) (message.Payload, error)
}

type Store interface {
	AddMessage(ctx context.Context, m *message.StoredMessage) error
	UpdateMessage(ctx context.Context, m *message.StoredMessage) error
	GetMessage(ctx context.Context, id int64) (*message.StoredMessage, error)
	ListMessagesByStatus(ctx context.Context, sender string, status message.Status) ([]*message.StoredMessage, error)
}

type Options struct {
	Username      string
	RetryInterval time.Duration
	MaxRetries    int
	// Parallelism bounds the sends of one scan. Zero means 8.
	Parallelism int
}

type Queue struct {
	sender Sender
	db     Store
	opts   Options

	mu       sync.Mutex
	pending  map[int64]*message.StoredMessage
	onResult func(*message.StoredMessage)

	scanning atomic.Bool
	kick     chan struct{}
}

func New(sender Sender, db Store, opts Options) *Queue {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	return &Queue{
		sender:  sender,
		db:      db,
		opts:    opts,
		pending: make(map[int64]*message.StoredMessage),
		kick:    make(chan struct{}, 1),
	}
}

// OnResult registers a callback for messages that become Sent or Failed.
func (q *Queue) OnResult(fn func(*message.StoredMessage)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onResult = fn
}

// Restore loads this user's still queued messages from the store.
func (q *Queue) Restore(ctx context.Context) error {
	queued, err := q.db.ListMessagesByStatus(ctx, q.opts.Username, message.StatusQueued)
	if err != nil {
		return fmt.Errorf("failed to load queued messages: %w", err)
	}
	q.mu.Lock()
	for _, m := range queued {
		q.pending[m.ID] = m
	}
	q.mu.Unlock()
	if len(queued) > 0 {
		log.Infof("restored %d queued messages", len(queued))
		q.trigger()
	}
	return nil
}

// AddMessage stores msg as Queued and schedules an immediate send. With
// retry false the message fails after its first unsuccessful attempt.
func (q *Queue) AddMessage(ctx context.Context, msg *message.Message, retry bool) (*message.StoredMessage, error) {
	sm := &message.StoredMessage{Message: *msg, Status: message.StatusQueued, Retry: retry}
	if err := q.db.AddMessage(ctx, sm); err != nil {
		return nil, fmt.Errorf("failed to queue message: %w", err)
	}
	q.mu.Lock()
	q.pending[sm.ID] = sm
	q.mu.Unlock()
	q.trigger()
	return sm, nil
}

// Retry puts a failed message back in the queue with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	sm, err := q.db.GetMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load message %d: %w", id, err)
	}
	if sm.SenderUsername != q.opts.Username {
		return fmt.Errorf("message %d was not sent by %s", id, q.opts.Username)
	}
	if sm.Status == message.StatusSent {
		return fmt.Errorf("message %d was already delivered", id)
	}
	sm.Status = message.StatusQueued
	sm.Retry = true
	sm.Retries = 0
	if err := q.db.UpdateMessage(ctx, sm); err != nil {
		return err
	}
	q.mu.Lock()
	q.pending[sm.ID] = sm
	q.mu.Unlock()
	q.trigger()
	return nil
}

// Pending returns how many messages are waiting to be delivered.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) trigger() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run scans the queue every retry interval, and right away whenever a
// message is added, until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.opts.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Scan(ctx)
		case <-q.kick:
			q.Scan(ctx)
		}
	}
}

// Scan attempts every pending message once and waits for the attempts to
// finish. It returns false without doing anything if a scan is already
// running.
func (q *Queue) Scan(ctx context.Context) bool {
	if !q.scanning.CompareAndSwap(false, true) {
		return false
	}
	defer q.scanning.Store(false)

	q.mu.Lock()
	batch := make([]*message.StoredMessage, 0, len(q.pending))
	for _, sm := range q.pending {
		batch = append(batch, sm)
	}
	q.mu.Unlock()
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	var g errgroup.Group
	g.SetLimit(q.opts.Parallelism)
	for _, sm := range batch {
		if (!sm.Retry && sm.Retries > 0) || sm.Retries >= q.opts.MaxRetries {
			q.finish(ctx, sm, message.StatusFailed)
			continue
		}
		sm.Retries++
		if err := q.db.UpdateMessage(ctx, sm); err != nil {
			log.Warnf("failed to record attempt %d of message %d: %v", sm.Retries, sm.ID, err)
		}
		g.Go(func() error {
			if _, err := q.sender.SendMessage(ctx, &sm.Message, nil); err != nil {
				log.Debugf("attempt %d of message %d to %s failed: %v", sm.Retries, sm.ID, sm.ReceiverUsername, err)
				return nil
			}
			sm.SentAt = time.Now().UnixMilli()
			q.finish(ctx, sm, message.StatusSent)
			return nil
		})
	}
	_ = g.Wait()
	return true
}

func (q *Queue) finish(ctx context.Context, sm *message.StoredMessage, status message.Status) {
	sm.Status = status
	if err := q.db.UpdateMessage(ctx, sm); err != nil {
		log.Errorf("failed to mark message %d %s: %v", sm.ID, status, err)
	}
	q.mu.Lock()
	if q.pending[sm.ID] == sm {
		delete(q.pending, sm.ID)
	}
	onResult := q.onResult
	q.mu.Unlock()

	if status == message.StatusFailed {
		log.Infof("giving up on message %d to %s after %d attempts", sm.ID, sm.ReceiverUsername, sm.Retries)
	}
	if onResult != nil {
		onResult(sm)
	}
}
