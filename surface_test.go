package surface

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/surfaceui/surface/cell"
	"github.com/surfaceui/surface/session"
)

// startTestApp builds an App, starts its loops, and serves it from an
// httptest server. Everything is torn down with the test.
func startTestApp(t *testing.T, cfg Config) (*App[demoState, demoCallback], *cell.Cell[demoState], *httptest.Server) {
	t.Helper()

	app, state := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	app.Start(ctx)

	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)
	return app, state, ts
}

// bootstrapCookie performs the first-visit token request and returns the
// minted session cookie.
func bootstrapCookie(t *testing.T, ts *httptest.Server) *http.Cookie {
	t.Helper()

	resp, err := http.Get(ts.URL + "/?token=" + testToken)
	if err != nil {
		t.Fatalf("bootstrap request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap: expected 200, got %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	t.Fatal("bootstrap response carries no session cookie")
	return nil
}

// openStream subscribes to the event stream and returns the response plus
// a scanner over its body.
func openStream(t *testing.T, ctx context.Context, ts *httptest.Server, cookie *http.Cookie) (*http.Response, *bufio.Scanner) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.AddCookie(cookie)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("event-stream request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("event stream: expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	return resp, bufio.NewScanner(resp.Body)
}

// readFrame reads one SSE frame (up to the blank separator line) and
// returns its event name (may be empty) and data payload.
func readFrame(t *testing.T, scanner *bufio.Scanner) (event, data string) {
	t.Helper()
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "" && data != "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatal("stream ended before a complete frame arrived")
	return "", ""
}

func TestEventStream_InitialSnapshot(t *testing.T) {
	_, _, ts := startTestApp(t, Config{})
	cookie := bootstrapCookie(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, scanner := openStream(t, ctx, ts, cookie)

	event, data := readFrame(t, scanner)
	if event != "" {
		t.Errorf("unexpected event name %q", event)
	}
	want := `{"is_recording":false,"counter":0,"name":""}`
	if data != want {
		t.Errorf("initial snapshot = %q, want %q", data, want)
	}
}

func TestEventStream_NamedEvent(t *testing.T) {
	_, _, ts := startTestApp(t, Config{EventName: "surface"})
	cookie := bootstrapCookie(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, scanner := openStream(t, ctx, ts, cookie)

	event, _ := readFrame(t, scanner)
	if event != "surface" {
		t.Errorf("event name = %q, want surface", event)
	}
}

func TestEventStream_SnapshotReflectsCurrentState(t *testing.T) {
	_, state, ts := startTestApp(t, Config{})
	state.Modify(func(s *demoState) {
		s.Counter = 42
		s.Name = "boot"
	})
	cookie := bootstrapCookie(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, scanner := openStream(t, ctx, ts, cookie)

	_, data := readFrame(t, scanner)
	want := `{"is_recording":false,"counter":42,"name":"boot"}`
	if data != want {
		t.Errorf("snapshot = %q, want %q", data, want)
	}
}

func TestEventStream_ReactiveBroadcast(t *testing.T) {
	app, state, ts := startTestApp(t, Config{})
	app.SetCallback(func(_ context.Context, data CallbackData[demoCallback]) error {
		if data.Payload.SetIsRecording != nil {
			state.Modify(func(s *demoState) { s.IsRecording = *data.Payload.SetIsRecording })
		}
		return nil
	})
	cookie := bootstrapCookie(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, scanner := openStream(t, ctx, ts, cookie)
	readFrame(t, scanner) // initial snapshot

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/callback",
		strings.NewReader(`{"SetIsRecording":true}`))
	if err != nil {
		t.Fatal(err)
	}
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d", resp.StatusCode)
	}

	_, data := readFrame(t, scanner)
	want := `{"is_recording":true,"counter":0,"name":""}`
	if data != want {
		t.Errorf("broadcast frame = %q, want %q", data, want)
	}
}

func TestEventStream_AllSubscribersSeeChanges(t *testing.T) {
	_, state, ts := startTestApp(t, Config{})
	cookie := bootstrapCookie(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, first := openStream(t, ctx, ts, cookie)
	_, second := openStream(t, ctx, ts, cookie)
	readFrame(t, first)
	readFrame(t, second)

	state.Modify(func(s *demoState) { s.Counter = 1 })

	want := `{"is_recording":false,"counter":1,"name":""}`
	if _, data := readFrame(t, first); data != want {
		t.Errorf("first subscriber got %q, want %q", data, want)
	}
	if _, data := readFrame(t, second); data != want {
		t.Errorf("second subscriber got %q, want %q", data, want)
	}
}

func TestConnectionEvents_Connect(t *testing.T) {
	app, _, ts := startTestApp(t, Config{})
	cookie := bootstrapCookie(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, scanner := openStream(t, ctx, ts, cookie)
	readFrame(t, scanner)

	select {
	case ev := <-app.ConnectionEvents():
		if ev.Type != Connect {
			t.Errorf("event type = %s, want connect", ev.Type)
		}
		if ev.Path != "/events" {
			t.Errorf("event path = %q, want /events", ev.Path)
		}
		if ev.Sender == nil {
			t.Error("connect event must carry the sender")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection event observed")
	}
}

func TestBroadcast_EvictsFullSubscriber(t *testing.T) {
	app, state, _ := startTestApp(t, Config{})

	// Plant a subscriber whose buffer can never accept a frame.
	stuck := subscriber{
		session: session.NewKey(),
		ch:      make(chan []byte),
		done:    make(chan struct{}),
		path:    "/events",
	}
	app.registry.insert(77, stuck)

	state.Modify(func(s *demoState) { s.Counter = 1 })

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-app.ConnectionEvents():
			if ev.Type == Disconnect && ev.Connection == 77 {
				if app.registry.len() != 0 {
					t.Errorf("registry still holds %d connections", app.registry.len())
				}
				return
			}
		case <-deadline:
			t.Fatal("no disconnect event for the stuck subscriber")
		}
	}
}

func TestBroadcast_EvictsGoneSubscriber(t *testing.T) {
	app, state, _ := startTestApp(t, Config{})

	done := make(chan struct{})
	gone := subscriber{
		session: session.NewKey(),
		ch:      make(chan []byte, 4),
		done:    done,
		path:    "/events",
	}
	app.registry.insert(78, gone)
	close(done)

	state.Modify(func(s *demoState) { s.Counter = 1 })

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-app.ConnectionEvents():
			if ev.Type == Disconnect && ev.Connection == 78 {
				return
			}
		case <-deadline:
			t.Fatal("no disconnect event for the gone subscriber")
		}
	}
}

func TestEventStream_ClientDisconnectEvicted(t *testing.T) {
	app, state, ts := startTestApp(t, Config{})
	cookie := bootstrapCookie(t, ts)

	streamCtx, stopStream := context.WithCancel(context.Background())
	resp, scanner := openStream(t, streamCtx, ts, cookie)
	readFrame(t, scanner)
	stopStream()
	resp.Body.Close()

	// Keep modifying until the broadcast loop notices the dead consumer.
	deadline := time.After(5 * time.Second)
	for {
		state.Modify(func(s *demoState) { s.Counter++ })
		select {
		case ev := <-app.ConnectionEvents():
			if ev.Type == Disconnect {
				return
			}
		case <-deadline:
			t.Fatal("client disconnect was never detected")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestApp_URL(t *testing.T) {
	app, _ := newTestApp(t, Config{})
	url := app.URL()
	if !strings.Contains(url, "?token="+testToken) {
		t.Errorf("URL %q does not embed the token", url)
	}
	if !strings.HasPrefix(url, "http://") {
		t.Errorf("URL %q is not http", url)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	app, _ := newTestApp(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	// Wait for the listener to come up, then exercise one request.
	deadline := time.Now().Add(5 * time.Second)
	for app.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + app.Addr().String() + "/?token=" + testToken)
	if err != nil {
		t.Fatalf("request to running server failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}
