package surface

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/surfaceui/surface/access"
	"github.com/surfaceui/surface/assets"
	"github.com/surfaceui/surface/session"
)

// maxCallbackBody bounds the size of a callback request body.
const maxCallbackBody = 1 << 20

// NewEventStreamConnection is published on the onboarding channel for every
// accepted event-stream request.
type NewEventStreamConnection struct {
	// Sender carries outbound SSE frames to the connection.
	Sender chan []byte
	// Done closes when the consumer goes away (the request context ends).
	Done <-chan struct{}
	// Session identifies the browser (one per client browser).
	Session session.Key
	// Connection identifies the tab (one per open stream).
	Connection ConnectionKey
	// Path is the request path, starting with the events prefix.
	Path string
}

// CallbackData pairs a browser-originated command with the session that
// sent it.
type CallbackData[CB any] struct {
	// Payload is the decoded command.
	Payload CB
	// Session identifies the browser that issued the command.
	Session session.Key
}

// CallbackFunc handles one browser-originated command. It is invoked once
// per POST /callback; ordering and backpressure are the handler's concern.
type CallbackFunc[CB any] func(ctx context.Context, data CallbackData[CB]) error

// Dispatcher routes HTTP requests: it authenticates each request via
// pre-shared token or session cookie, serves frontend assets, accepts
// event-stream subscriptions, and decodes callback commands of type CB.
//
// Per-request errors never affect other requests; the dispatcher itself has
// no background state beyond the connection counter and, when ConnRate is
// set, the per-session stream limiter.
type Dispatcher[CB any] struct {
	cfg   Config
	ctrl  access.Control
	codec *session.Codec
	src   assets.Source

	nextConnection atomic.Uint32
	onboard        chan NewEventStreamConnection

	cbMu     sync.Mutex
	callback CallbackFunc[CB]

	limiter *streamLimiter
}

// NewDispatcher creates a Dispatcher for the given access mode. The
// returned value implements http.Handler.
func NewDispatcher[CB any](ctrl access.Control, cfg Config) (*Dispatcher[CB], error) {
	cfg = cfg.withDefaults()
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	var src assets.Source
	if cfg.Bundled != nil {
		src = assets.FS(cfg.Bundled)
	} else {
		src = assets.Dir(cfg.ServeFilepath)
	}

	d := &Dispatcher[CB]{
		cfg:     cfg,
		ctrl:    ctrl,
		codec:   session.NewCodec(ctrl.JWTSecret()),
		src:     src,
		onboard: make(chan NewEventStreamConnection, cfg.ChannelSize),
	}
	if cfg.ConnRate > 0 {
		d.limiter = newStreamLimiter(cfg.ConnRate, cfg.ConnBurst)
	}
	return d, nil
}

// Connections returns the onboarding stream of newly accepted event-stream
// connections. Exactly one consumer should receive from it; each connection
// expects its initial snapshot from that consumer.
func (d *Dispatcher[CB]) Connections() <-chan NewEventStreamConnection {
	return d.onboard
}

// SetCallback registers f as the command handler, replacing and returning
// the previous one. Pass nil to unregister.
func (d *Dispatcher[CB]) SetCallback(f CallbackFunc[CB]) CallbackFunc[CB] {
	d.cbMu.Lock()
	prev := d.callback
	d.callback = f
	d.cbMu.Unlock()
	return prev
}

// EventsPrefix returns the path prefix of the event-stream endpoint.
func (d *Dispatcher[CB]) EventsPrefix() string {
	return d.cfg.EventsPrefix
}

// ServeHTTP implements the per-request state machine: authenticate, issue a
// session cookie when needed, then route.
func (d *Dispatcher[CB]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, fresh, ok := d.authenticate(r)
	if !ok {
		slog.Warn("request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeErrors(w, http.StatusBadRequest, noTokenMessage)
		return
	}

	if fresh {
		value, err := d.codec.Mint(key)
		if err != nil {
			slog.Error("failed to mint session cookie", "error", err)
			writeErrors(w, http.StatusInternalServerError, "Failed to create session.")
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     d.cfg.CookieName,
			Value:    value,
			HttpOnly: true,
		})
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/callback":
		d.handleCallback(w, r, key)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, d.cfg.EventsPrefix):
		d.handleEventStream(w, r, key)
	case r.Method == http.MethodGet:
		d.handleAsset(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// authenticate resolves the session for a request. A valid session cookie
// wins; otherwise a matching ?token= query pair (or open access) yields a
// fresh session key that the caller must set as a cookie.
func (d *Dispatcher[CB]) authenticate(r *http.Request) (key session.Key, fresh, ok bool) {
	for _, c := range r.Cookies() {
		if c.Name != d.cfg.CookieName {
			continue
		}
		key, err := d.codec.Verify(c.Value)
		if err != nil {
			slog.Warn("invalid session cookie", "error", err)
			continue
		}
		return key, false, true
	}

	if _, gated := d.ctrl.Token(); !gated {
		return session.NewKey(), true, true
	}
	for _, value := range r.URL.Query()["token"] {
		if d.ctrl.TokenMatches(value) {
			return session.NewKey(), true, true
		}
	}
	return session.Key{}, false, false
}

// handleAsset serves GET requests for frontend files. "/" is rewritten to
// "/index.html".
func (d *Dispatcher[CB]) handleAsset(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if urlPath == "/" {
		urlPath = "/index.html"
	}

	data, err := d.src.Fetch(urlPath)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if ct := assets.ContentType(urlPath); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleCallback decodes the JSON body as a CB command and invokes the
// registered handler.
func (d *Dispatcher[CB]) handleCallback(w http.ResponseWriter, r *http.Request, key session.Key) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "Failed reading request body: "+err.Error())
		return
	}

	var payload CB
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("callback body did not parse", "error", err)
		writeErrors(w, http.StatusBadRequest, "Failed parsing JSON: "+err.Error())
		return
	}

	d.cbMu.Lock()
	handler := d.callback
	d.cbMu.Unlock()

	if handler == nil {
		slog.Warn("callback received but no handler is registered", "session", key)
		writeNull(w, http.StatusOK)
		return
	}

	if err := handler(r.Context(), CallbackData[CB]{Payload: payload, Session: key}); err != nil {
		slog.Error("callback handler failed", "session", key, "error", err)
		writeNull(w, http.StatusInternalServerError)
		return
	}
	writeNull(w, http.StatusOK)
}

// handleEventStream upgrades a GET under the events prefix into an SSE
// stream fed by the onboarding and broadcast loops.
func (d *Dispatcher[CB]) handleEventStream(w http.ResponseWriter, r *http.Request, key session.Key) {
	if d.limiter != nil && !d.limiter.allow(key) {
		slog.Warn("session exceeded stream connection rate", "session", key)
		writeErrors(w, http.StatusTooManyRequests, "Too many connection attempts.")
		return
	}

	accepts := false
	for _, value := range r.Header.Values("Accept") {
		if strings.Contains(value, "text/event-stream") {
			accepts = true
		}
	}
	if !accepts {
		slog.Warn("event-stream request does not accept text/event-stream", "path", r.URL.Path)
		writeErrors(w, http.StatusBadRequest, "Accept header must include text/event-stream.")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrors(w, http.StatusInternalServerError, "Streaming not supported.")
		return
	}

	ctx := r.Context()
	conn := NewEventStreamConnection{
		Sender:     make(chan []byte, d.cfg.ChannelSize),
		Done:       ctx.Done(),
		Session:    key,
		Connection: ConnectionKey(d.nextConnection.Add(1) - 1),
		Path:       r.URL.Path,
	}

	// A full onboarding buffer blocks here, which bounds the rate of new
	// connections. The request can still be abandoned by the client.
	select {
	case d.onboard <- conn:
	case <-ctx.Done():
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-conn.Sender:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
