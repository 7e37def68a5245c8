package activitypub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/ferri/domain"
)

type EngineConfig struct {
	Domain            string
	QueueCapacity     int
	MessageTimeout    time.Duration
	Heartbeat         time.Duration
	HTTPTimeout       time.Duration
	RequireSignatures bool
	PeerInboxes       []string
	Retry             RetryPolicy
	RetryInterval     time.Duration
	RetryBatch        int
	// HTTPClient, when set, is shared by both workers instead of building
	// one per worker.
	HTTPClient *http.Client
	// Stats is reported on every inbound heartbeat.
	Stats func(ctx context.Context) (domain.Counts, error)
}

// Engine wires the Inbound and Outbound queues to the inbox state machine
// and the outbox dispatcher.
type Engine struct {
	cfg        EngineConfig
	acquire    Acquirer
	inbound    *Queue
	outbound   *Queue
	inbox      *Inbox
	dispatcher *Dispatcher
	log        *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds both workers. Each one gets its own transport client.
// outbox is the Outbound worker's dedicated store; acquire hands out a
// lease to each inbound request as the worker dequeues it.
func NewEngine(cfg EngineConfig, signer *Signer, acquire Acquirer, outbox OutboxStore, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	e := &Engine{cfg: cfg, acquire: acquire, log: logger.WithPrefix("engine")}

	e.dispatcher = NewDispatcher(e.newClient(signer), outbox, DispatcherConfig{
		Domain:      cfg.Domain,
		PeerInboxes: cfg.PeerInboxes,
		Retry:       cfg.Retry,
		RetryBatch:  cfg.RetryBatch,
	}, logger)
	// Outbound messages carry no deadline of their own. Each POST is bounded
	// by the transport timeout and a fan-out runs to the end.
	e.outbound = NewQueue("outbound", cfg.QueueCapacity, 0, e.handleOutbound, logger)

	resolver := NewResolver(e.newClient(signer), cfg.Domain, logger)
	e.inbox = NewInbox(resolver, e.outbound, cfg.RequireSignatures, logger)
	e.inbound = NewQueue("inbound", cfg.QueueCapacity, cfg.MessageTimeout, e.handleInbound, logger)

	return e
}

func (e *Engine) newClient(signer *Signer) *Client {
	opts := []ClientOption{}
	if e.cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(e.cfg.HTTPClient))
	}
	if e.cfg.HTTPTimeout > 0 {
		opts = append(opts, WithTimeout(e.cfg.HTTPTimeout))
	}
	return NewClient(signer, opts...)
}

// Inbound is the producer side of the Inbound queue.
func (e *Engine) Inbound() Sender { return e.inbound }

// Outbound is the producer side of the Outbound queue.
func (e *Engine) Outbound() Sender { return e.outbound }

// Start launches both workers plus the heartbeat and retry tickers.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.inbound.Start(ctx)
	e.outbound.Start(ctx)

	if e.cfg.Heartbeat > 0 {
		e.tick(ctx, e.cfg.Heartbeat, func() {
			e.inbound.TrySend(Heartbeat{})
			e.outbound.TrySend(Heartbeat{})
		})
	}
	if e.cfg.RetryInterval > 0 {
		e.tick(ctx, e.cfg.RetryInterval, func() {
			if !e.outbound.TrySend(Outbound{Request: RetrySweep{}}) {
				e.log.Warn("Outbound queue full, skipping retry sweep")
			}
		})
	}
	e.log.Info("Federation engine started", "domain", e.cfg.Domain, "capacity", e.cfg.QueueCapacity)
}

func (e *Engine) tick(ctx context.Context, every time.Duration, f func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f()
			}
		}
	}()
}

// Shutdown stops accepting work and waits for both workers to drain. The
// inbound queue goes first since it feeds the outbound one.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.inbound.Close()
	select {
	case <-e.inbound.Stopped():
	case <-ctx.Done():
	}
	e.outbound.Close()
	select {
	case <-e.outbound.Stopped():
	case <-ctx.Done():
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	e.log.Info("Federation engine stopped")
	return nil
}

func (e *Engine) handleInbound(ctx context.Context, msg QueueMessage) error {
	switch m := msg.(type) {
	case Heartbeat:
		return e.heartbeat(ctx)
	case Inbound:
		if m.Request == nil {
			return fmt.Errorf("empty inbound message")
		}
		// The lease is taken on dequeue and returned by the queue once the
		// message is handled, so waiting messages hold no connection.
		if d := m.Request.delivery(); d.Conn == nil {
			conn, err := e.acquire(ctx)
			if err != nil {
				return fmt.Errorf("no connection for %s: %w", m.Request.Kind(), err)
			}
			d.Conn = conn
		}
		return e.inbox.Handle(ctx, m.Request)
	default:
		return fmt.Errorf("unexpected %s on inbound queue", describe(msg))
	}
}

func (e *Engine) handleOutbound(ctx context.Context, msg QueueMessage) error {
	switch m := msg.(type) {
	case Heartbeat:
		return nil
	case Outbound:
		if m.Request == nil {
			return fmt.Errorf("empty outbound message")
		}
		return e.dispatcher.Dispatch(ctx, m.Request)
	default:
		return fmt.Errorf("unexpected %s on outbound queue", describe(msg))
	}
}

func (e *Engine) heartbeat(ctx context.Context) error {
	if e.cfg.Stats == nil {
		return nil
	}
	c, err := e.cfg.Stats(ctx)
	if err != nil {
		return err
	}
	e.log.Info("Store counts",
		"actors", c.Actors,
		"users", c.Users,
		"follows", c.Follows,
		"posts", c.Posts,
		"attachments", c.Attachments,
		"pending", c.Pending,
		"deadLetters", c.DeadLetters,
	)
	return nil
}
