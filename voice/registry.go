package voice

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/diamondburned/magma/internal/moreatomic"
)

// Registry routes control events to one connection per Member, creating
// connections on demand. It is thread-safe.
type Registry struct {
	opts   Options
	log    zerolog.Logger
	conns  *moreatomic.Map[Member, *connection]
	closed atomic.Bool

	eventMu sync.RWMutex
	events  chan WebSocketClosed
	evDone  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	opts.fill()

	r := &Registry{
		opts:   opts,
		log:    *opts.Logger,
		events: make(chan WebSocketClosed, opts.EventBuffer),
	}
	r.conns = moreatomic.NewMap(r.newConnection)

	return r
}

func (r *Registry) newConnection(m Member) (*connection, error) {
	if r.closed.Load() {
		return nil, ErrShutdown
	}

	r.log.Debug().Stringer("user_id", m.UserID).Stringer("guild_id", m.GuildID).
		Msg("creating voice connection")

	return newConnection(m, &r.opts, r.connectionClosed)
}

// Events returns the channel of close notifications. It is closed by
// Shutdown.
func (r *Registry) Events() <-chan WebSocketClosed { return r.events }

// Submit routes ev to its member's connection, creating the connection if
// needed. Closing a member that has no connection is a no-op.
func (r *Registry) Submit(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case Shutdown:
		return r.Shutdown(ctx)

	case CloseConnection:
		return r.closeConnection(ctx, ev)
	}

	if r.closed.Load() {
		return ErrShutdown
	}

	for {
		c, _, err := r.conns.LoadOrStore(ctx, ev.member())
		if err != nil {
			return err
		}

		err = c.post(ctx, ev)
		if err != errConnectionDone {
			return err
		}

		// The connection is exiting. It hands its unhandled events to a fresh
		// connection before it is done, so wait for that to keep the order.
		if err := waitDone(ctx, c); err != nil {
			return err
		}
		r.conns.CompareAndDelete(ev.member(), c)
	}
}

func (r *Registry) closeConnection(ctx context.Context, ev CloseConnection) error {
	for {
		c, ok := r.conns.Load(ev.Member)
		if !ok {
			return nil
		}

		postErr := c.post(ctx, ev)
		if postErr != nil && postErr != errConnectionDone {
			return postErr
		}

		if err := waitDone(ctx, c); err != nil {
			return err
		}
		if postErr == nil {
			return nil
		}

		// The connection was already exiting and may have a successor for
		// the events it did not handle.
		r.conns.CompareAndDelete(ev.Member, c)
	}
}

func waitDone(ctx context.Context, c *connection) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectionClosed runs on the actor goroutine of c before it is done.
func (r *Registry) connectionClosed(c *connection, closed WebSocketClosed, unhandled []Event) {
	r.emit(closed)
	r.conns.CompareAndDelete(c.member, c)

	for _, ev := range unhandled {
		r.resubmit(ev)
	}
}

// resubmit routes an event an exited connection accepted but never handled.
// It starts a fresh connection for everything but CloseConnection.
func (r *Registry) resubmit(ev Event) {
	var err error

	if ev, ok := ev.(CloseConnection); ok {
		if c, ok := r.conns.Load(ev.Member); ok {
			err = c.post(context.Background(), ev)
		}
	} else {
		err = r.Submit(context.Background(), ev)
	}

	if err != nil && err != errConnectionDone {
		m := ev.member()
		r.log.Warn().Err(err).
			Stringer("user_id", m.UserID).
			Stringer("guild_id", m.GuildID).
			Msgf("dropping %T left by a closed voice connection", ev)
	}
}

func (r *Registry) emit(ev WebSocketClosed) {
	r.eventMu.RLock()
	defer r.eventMu.RUnlock()

	if r.evDone {
		return
	}

	select {
	case r.events <- ev:
	default:
		r.log.Error().
			Stringer("user_id", ev.UserID).
			Stringer("guild_id", ev.GuildID).
			Int("code", ev.CloseCode).
			Msg("event buffer is full, dropping close notification")
	}
}

// ConnectionStates returns the phase of every connection, sorted by guild
// then user.
func (r *Registry) ConnectionStates() []MemberState {
	var states []MemberState
	r.conns.Range(func(m Member, c *connection) {
		states = append(states, MemberState{Member: m, Phase: c.Phase()})
	})

	sort.Slice(states, func(i, j int) bool {
		return states[i].Member.less(states[j].Member)
	})

	return states
}

// Shutdown closes every connection in parallel, waits for them and closes the
// Events channel. Later calls return nil immediately.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	conns := r.conns.Drain()
	r.log.Debug().Int("connections", len(conns)).Msg("shutting down voice registry")

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		c := c
		g.Go(func() error { return c.close(ctx) })
	}
	err := g.Wait()

	r.eventMu.Lock()
	r.evDone = true
	close(r.events)
	r.eventMu.Unlock()

	return err
}
