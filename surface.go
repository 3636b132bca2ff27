// Package surface lets a native application expose a live, reactive
// control-surface to web browsers. The server holds the authoritative
// application state in a change-tracked cell, pushes every change to each
// connected tab over server-sent events, and dispatches typed commands from
// the browser back to a host-supplied handler.
//
// The engine is generic over two application types: the state T (JSON-
// serializable) and the command type CB (JSON-deserializable). Browsers
// authenticate once with a pre-shared token and are tracked afterwards by a
// signed session cookie.
package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/surfaceui/surface/access"
	"github.com/surfaceui/surface/cell"
	"github.com/surfaceui/surface/session"
	"github.com/surfaceui/surface/sse"
)

// connEventsCapacity is the buffer of the public connection-events stream.
const connEventsCapacity = 5

// App wires a state cell, a request dispatcher, and the two long-lived
// loops (onboarding and broadcast) into a runnable server.
type App[T, CB any] struct {
	state      *cell.Cell[T]
	dispatcher *Dispatcher[CB]
	ctrl       access.Control
	cfg        Config
	registry   *registry
	connEvents chan ConnectionEvent

	mu      sync.Mutex
	addr    net.Addr // set once the listener is bound
	started bool
}

// New creates an App serving the state held by state. The command type CB
// must be specified explicitly: surface.New[State, Command](...).
func New[T, CB any](ctrl access.Control, cfg Config, state *cell.Cell[T]) (*App[T, CB], error) {
	d, err := NewDispatcher[CB](ctrl, cfg)
	if err != nil {
		return nil, err
	}
	return &App[T, CB]{
		state:      state,
		dispatcher: d,
		ctrl:       ctrl,
		cfg:        d.cfg,
		registry:   newRegistry(),
		connEvents: make(chan ConnectionEvent, connEventsCapacity),
	}, nil
}

// Cell returns the underlying state cell. Mutate it via Modify to push
// updates to every connected tab.
func (a *App[T, CB]) Cell() *cell.Cell[T] {
	return a.state
}

// Handler returns the HTTP handler. Start must be called for event streams
// to receive data.
func (a *App[T, CB]) Handler() http.Handler {
	return a.dispatcher
}

// SetCallback registers f as the command handler, replacing and returning
// the previous one.
func (a *App[T, CB]) SetCallback(f CallbackFunc[CB]) CallbackFunc[CB] {
	return a.dispatcher.SetCallback(f)
}

// ConnectionEvents returns the stream of connect/disconnect events. The
// stream is best-effort: when no one is receiving, events are dropped after
// a small buffer and logged.
func (a *App[T, CB]) ConnectionEvents() <-chan ConnectionEvent {
	return a.connEvents
}

// Start launches the onboarding and broadcast loops. Both exit when ctx is
// cancelled. Use together with Handler when embedding into an existing
// server; Run calls it internally.
func (a *App[T, CB]) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	// Subscribe before returning so no modification between Start and the
	// loop's first receive can be missed.
	sub := a.state.Subscribe(a.cfg.ChannelSize)

	go a.onboardLoop(ctx)
	go a.broadcastLoop(ctx, sub)
}

// Run binds the configured address, starts the loops, and serves until ctx
// is cancelled or the listener fails. In-flight requests are given to the
// server's graceful shutdown.
func (a *App[T, CB]) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.ctrl.BindAddr())
	if err != nil {
		return fmt.Errorf("surface: listen on %s: %w", a.ctrl.BindAddr(), err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	a.Start(ctx)

	srv := &http.Server{Handler: a.dispatcher}
	go func() {
		<-ctx.Done()
		// Open event streams never go idle, so bound the graceful phase and
		// force-close afterwards to cancel their request contexts.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("graceful shutdown incomplete, forcing close", "error", err)
			srv.Close()
		}
	}()

	slog.Info("serving", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listener address, or nil before Run has bound it.
func (a *App[T, CB]) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// URL guesses the browser-facing URL, embedding the pre-shared token when
// one is configured. The guess may be wrong when the bind address is not
// the address users connect to.
func (a *App[T, CB]) URL() string {
	addr := a.ctrl.BindAddr()
	a.mu.Lock()
	if a.addr != nil {
		addr = a.addr.String()
	}
	a.mu.Unlock()

	if token, ok := a.ctrl.Token(); ok {
		return fmt.Sprintf("http://%s/?token=%s", addr, token)
	}
	return fmt.Sprintf("http://%s", addr)
}

// onboardLoop consumes newly accepted event-stream connections. Each gets
// the current state as its first frame before being inserted into the
// registry, so its view starts from a consistent snapshot.
func (a *App[T, CB]) onboardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-a.dispatcher.Connections():
			frame, err := sse.Marshal(a.state.Value(), a.cfg.EventName)
			if err != nil {
				slog.Error("failed to serialize initial snapshot", "connection", conn.Connection, "error", err)
				continue
			}

			a.emitEvent(ConnectionEvent{
				Type:       Connect,
				Session:    conn.Session,
				Connection: conn.Connection,
				Path:       conn.Path,
				Sender:     conn.Sender,
			})

			select {
			case conn.Sender <- frame:
				a.registry.insert(conn.Connection, subscriber{
					session: conn.Session,
					ch:      conn.Sender,
					done:    conn.Done,
					path:    conn.Path,
				})
			case <-conn.Done:
				slog.Info("subscriber gone before initial snapshot", "connection", conn.Connection)
			default:
				slog.Error("failed to send initial snapshot", "connection", conn.Connection)
			}
		}
	}
}

// broadcastLoop consumes the cell's change stream and fans each new value
// out to every registered connection. Connections whose send fails are
// dropped and reported as Disconnect events.
func (a *App[T, CB]) broadcastLoop(ctx context.Context, sub *cell.Subscription[T]) {
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.C:
			if !ok {
				slog.Error("change stream closed, broadcast loop exiting")
				return
			}
			a.broadcast(change.New)
		}
	}
}

// broadcast sends one state value to every registered connection using the
// drain-then-reinsert discipline: the registry lock is never held across a
// send, and connections onboarded mid-pass are preserved.
func (a *App[T, CB]) broadcast(value T) {
	conns := a.registry.drain()
	if len(conns) == 0 {
		return
	}

	frame, err := sse.Marshal(value, a.cfg.EventName)
	if err != nil {
		slog.Error("failed to serialize state for broadcast", "error", err)
		a.registry.merge(conns)
		return
	}

	survivors := make(map[ConnectionKey]subscriber, len(conns))
	for key, sub := range conns {
		if !trySend(sub, frame) {
			slog.Info("dropping event-stream subscriber", "connection", key)
			a.emitEvent(ConnectionEvent{
				Type:       Disconnect,
				Session:    sub.session,
				Connection: key,
				Path:       sub.path,
			})
			continue
		}
		survivors[key] = sub
	}
	a.registry.merge(survivors)
}

// trySend attempts a non-blocking delivery. A gone consumer or a full
// buffer both count as failure.
func trySend(sub subscriber, frame []byte) bool {
	select {
	case <-sub.done:
		return false
	default:
	}
	select {
	case sub.ch <- frame:
		return true
	default:
		return false
	}
}

// emitEvent publishes on the connection-events stream without blocking.
// With no consumer the buffer fills and further events are logged and
// dropped.
func (a *App[T, CB]) emitEvent(ev ConnectionEvent) {
	select {
	case a.connEvents <- ev:
	default:
		slog.Info("connection event dropped, no listener", "type", ev.Type.String(), "connection", ev.Connection)
	}
}

// SessionKey identifies one browser session. Alias for session.Key so hosts
// can write handlers without importing the session package.
type SessionKey = session.Key
