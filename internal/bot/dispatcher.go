package bot

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"dialogbot/internal/domain"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 16
)

// Chatter runs a single chat turn. *Bot implements it.
type Chatter interface {
	Chat(ctx context.Context, req *domain.Message) *domain.Response
}

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Bot       Chatter
	Bus       domain.MessageBus
	Workers   int // number of worker queues (default 4)
	QueueSize int // per-worker buffer (default 16)
	Logger    *slog.Logger
}

// Dispatcher feeds inbound bus messages to the bot. Messages for the same
// conversation always land on the same worker, so context saves cannot race.
// A user writing in several groups reaches several workers; those turns are
// serialized by a per-user lock so user saves cannot race either.
type Dispatcher struct {
	bot       Chatter
	bus       domain.MessageBus
	workers   int
	queueSize int
	users     *keyedMutex
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		bot:       cfg.Bot,
		bus:       cfg.Bus,
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		users:     newKeyedMutex(),
		logger:    cfg.Logger,
	}
}

// Run consumes inbound messages until ctx is cancelled or the bus is closed.
// It returns after every queued turn has finished. Cancelling ctx stops
// intake only: turns already dequeued or queued still run to completion.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "workers", d.workers)
	turnCtx := context.WithoutCancel(ctx)

	queues := make([]chan *domain.Message, d.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan *domain.Message, d.queueSize)
		wg.Add(1)
		go func(q <-chan *domain.Message) {
			defer wg.Done()
			for m := range q {
				d.handle(turnCtx, m)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		d.logger.Info("dispatcher stopped")
	}()

	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return nil
			}
			if msg == nil {
				continue
			}
			select {
			case queues[d.shard(msg)] <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (d *Dispatcher) shard(m *domain.Message) int {
	h := fnv.New32a()
	h.Write([]byte(m.Channel))
	h.Write([]byte{0})
	h.Write([]byte(m.ContextKey()))
	return int(h.Sum32() % uint32(d.workers))
}

func (d *Dispatcher) handle(ctx context.Context, m *domain.Message) {
	d.logger.Debug("processing message", "channel", m.Channel, "user", m.ChannelUserID, "text_len", len(m.Text))
	unlock := d.users.Lock(m.Channel + "\x00" + m.ChannelUserID)
	resp := d.bot.Chat(ctx, m)
	unlock()
	d.bus.SendOutbound(domain.OutboundMessage{
		Channel:  m.Channel,
		ChatID:   m.ContextKey(),
		Request:  m,
		Response: resp,
	})
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
