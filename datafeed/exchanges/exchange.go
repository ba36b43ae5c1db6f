package exchanges

import (
	"context"
	"errors"
	"time"

	"github.com/linluma/datafeed/shared/models"
)

// ErrNotConnected is returned when a channel is opened before Connect
var ErrNotConnected = errors.New("tick source not connected")

// RetryConfig holds retry configuration parameters
type RetryConfig struct {
	InitialDelay   time.Duration // e.g., 1 second
	MaxDelay       time.Duration // e.g., 30 seconds
	MaxRetries     int           // e.g., 10 attempts
	StormThreshold int           // e.g., 5 failures per minute
	BackoffFactor  float64       // e.g., 2.0 (exponential)
	Jitter         bool          // Add randomization to prevent thundering herd
}

// DefaultRetryConfig is used by connectors unless overridden
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		MaxRetries:     10,
		StormThreshold: 5,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// ConnectionHealth tracks tick source health
type ConnectionHealth struct {
	FailureCount     int
	LastFailureTime  time.Time
	ConsecutiveFails int
	RetryAttempt     int
	InStormMode      bool
}

// StatusFunc is told whenever a source gains or loses its upstream connection
type StatusFunc func(connected bool)

// TickSource delivers realtime ticks for channels opened on it
type TickSource interface {
	// Name returns the provider name
	Name() models.SourceName

	// Mode reports whether ticks are pushed or polled
	Mode() models.ConnectionMode

	// Connect prepares the source; channels can be opened afterwards
	Connect(ctx context.Context) error

	// SubscribeChannel starts delivering ticks for a channel
	SubscribeChannel(key models.ChannelKey) error

	// UnsubscribeChannel stops delivering ticks for a channel
	UnsubscribeChannel(key models.ChannelKey) error

	// Events returns a channel for receiving ticks
	Events() <-chan models.Tick

	// Disconnect releases the source and closes Events
	Disconnect() error

	// IsConnected returns whether the source is currently usable
	IsConnected() bool

	GetConnectionHealth() ConnectionHealth

	// SetRetryConfig configures how Connect retries
	SetRetryConfig(config RetryConfig)
}
