package surface

import (
	"fmt"
	"io/fs"
	"strings"

	"golang.org/x/time/rate"
)

// Default values applied by Config.withDefaults.
const (
	// DefaultChannelSize is the buffer of every per-connection sender and
	// of the onboarding channel.
	DefaultChannelSize = 10
	// DefaultCookieName is the name of the session cookie.
	DefaultCookieName = "client"
	// DefaultEventsPrefix is the path prefix of the event-stream endpoint.
	DefaultEventsPrefix = "/events"
)

// Config holds the settings of a Dispatcher and App. The asset source is
// selected by exactly one of Bundled and ServeFilepath.
type Config struct {
	// ServeFilepath is the directory to serve frontend files from when
	// Bundled is nil.
	ServeFilepath string
	// Bundled holds frontend files compiled into the binary, typically an
	// embed.FS. When set, ServeFilepath must be empty.
	Bundled fs.FS
	// ChannelSize is the number of outbound frames buffered per connection
	// before the connection is considered dead. Defaults to 10.
	ChannelSize int
	// CookieName is the name of the session cookie. Defaults to "client".
	CookieName string
	// EventsPrefix is the path prefix of the event-stream endpoint.
	// Defaults to "/events".
	EventsPrefix string
	// EventName, when non-empty, names the SSE event in every frame.
	EventName string
	// ConnRate and ConnBurst configure an optional per-session rate limit
	// on new event-stream connections. A zero ConnRate disables the
	// limiter.
	ConnRate  rate.Limit
	ConnBurst int
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// withDefaults returns a copy of c with unset optional fields filled in.
func (c Config) withDefaults() Config {
	if c.ChannelSize == 0 {
		c.ChannelSize = DefaultChannelSize
	}
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.EventsPrefix == "" {
		c.EventsPrefix = DefaultEventsPrefix
	}
	return c
}

// Validate checks that the configuration is usable.
func (c Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Bundled == nil && c.ServeFilepath == "" {
		errs = append(errs, ValidationError{
			Field:   "Bundled/ServeFilepath",
			Message: "either bundled assets or a serve directory is required",
		})
	}
	if c.Bundled != nil && c.ServeFilepath != "" {
		errs = append(errs, ValidationError{
			Field:   "Bundled/ServeFilepath",
			Message: "bundled assets and a serve directory cannot both be active",
		})
	}
	if c.ChannelSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "ChannelSize",
			Message: fmt.Sprintf("channel size must not be negative, got %d", c.ChannelSize),
		})
	}
	if c.EventsPrefix != "" && !strings.HasPrefix(c.EventsPrefix, "/") {
		errs = append(errs, ValidationError{
			Field:   "EventsPrefix",
			Message: fmt.Sprintf("events prefix must start with \"/\", got %q", c.EventsPrefix),
		})
	}
	if c.ConnRate < 0 || c.ConnBurst < 0 {
		errs = append(errs, ValidationError{
			Field:   "ConnRate/ConnBurst",
			Message: "rate limit settings must not be negative",
		})
	}

	return errs
}
