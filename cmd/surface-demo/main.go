// Command surface-demo is a self-contained demonstration of the surface
// library. It mocks a backend application that can record data under a
// given name; recording is controlled from the browser, and a counter
// ticks once a second so every connected tab can be seen updating live.
//
// Run it and point a browser at the printed URL (shown as a QR code too):
//
//	surface-demo --address localhost:3410
//
// Binding to a non-loopback address requires a JWT secret via --jwt-secret
// or the JWT_SECRET environment variable; a random pre-shared access token
// is generated and embedded in the printed URL.
package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/surfaceui/surface"
	"github.com/surfaceui/surface/access"
	"github.com/surfaceui/surface/cell"
)

//go:embed frontend
var frontendFiles embed.FS

// Shared is the application state mirrored into every connected browser.
type Shared struct {
	IsRecording bool   `json:"is_recording"`
	Counter     int    `json:"counter"`
	Name        string `json:"name"`
}

// Callback is the command type sent by the browser. Exactly one field is
// set per message.
type Callback struct {
	SetIsRecording *bool   `json:"SetIsRecording,omitempty"`
	SetName        *string `json:"SetName,omitempty"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	address := flag.String("address", "localhost:3410", "Address to bind the server to")
	jwtSecret := flag.String("jwt-secret", "", "JWT secret (falls back to the JWT_SECRET environment variable)")
	serveDir := flag.String("serve-dir", "", "Serve frontend files from this directory instead of the bundled copy")
	flag.Parse()

	secret := *jwtSecret
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}

	ctrl, err := accessControl(*address, secret)
	if err != nil {
		slog.Error("access configuration failed", "error", err)
		os.Exit(1)
	}

	cfg := surface.Config{
		EventName: "surface",
	}
	if *serveDir != "" {
		cfg.ServeFilepath = *serveDir
	} else {
		sub, err := fs.Sub(frontendFiles, "frontend")
		if err != nil {
			slog.Error("bundled frontend missing", "error", err)
			os.Exit(1)
		}
		cfg.Bundled = sub
	}

	state := cell.New(Shared{})

	app, err := surface.New[Shared, Callback](ctrl, cfg, state)
	if err != nil {
		slog.Error("failed to create app", "error", err)
		os.Exit(1)
	}

	app.SetCallback(func(_ context.Context, data surface.CallbackData[Callback]) error {
		switch {
		case data.Payload.SetIsRecording != nil:
			state.Modify(func(s *Shared) { s.IsRecording = *data.Payload.SetIsRecording })
		case data.Payload.SetName != nil:
			state.Modify(func(s *Shared) { s.Name = *data.Payload.SetName })
		default:
			return fmt.Errorf("unknown callback")
		}
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Log connects and disconnects.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-app.ConnectionEvents():
				slog.Info("connection event",
					"type", ev.Type.String(),
					"session", ev.Session,
					"connection", ev.Connection,
					"path", ev.Path)
			}
		}
	}()

	// The main loop of the app: bump the counter once a second.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state.Modify(func(s *Shared) { s.Counter++ })
			}
		}
	}()

	// Print the access URL once the listener is bound.
	go func() {
		for app.Addr() == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		url := app.URL()
		fmt.Printf("Depending on IP address resolution, you may be able to login with this url: %s\n", url)
		fmt.Println("This same URL as a QR code:")
		displayQRURL(url)
	}()

	if err := app.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// accessControl selects the access mode: insecure on loopback without a
// secret, random-token gated otherwise.
func accessControl(address, secret string) (access.Control, error) {
	if access.IsLoopback(address) && secret == "" {
		return access.Insecure(address), nil
	}
	if secret == "" {
		return access.Control{}, fmt.Errorf("the --jwt-secret argument must be passed or the JWT_SECRET environment variable must be set when not using a loopback interface")
	}
	return access.GenerateRandomAuth(address, []byte(secret))
}

// displayQRURL renders url as a QR code on the terminal.
func displayQRURL(url string) {
	qr, err := qrcode.New(url, qrcode.Low)
	if err != nil {
		slog.Warn("failed to render QR code", "error", err)
		return
	}
	fmt.Println(qr.ToSmallString(false))
}
