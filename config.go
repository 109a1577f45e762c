package chatsync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config configures an Engine. Values come from DefaultConfig, then an
// optional TOML file, then CHATSYNC_* environment variables.
type Config struct {
	BaseURL       string          `toml:"base_url" env:"CHATSYNC_BASE_URL" validate:"required,url"`
	WebSocketURL  string          `toml:"websocket_url,omitempty" env:"CHATSYNC_WS_URL" validate:"omitempty,url"`
	Token         string          `toml:"token,omitempty" env:"CHATSYNC_TOKEN"`
	ParticipantID string          `toml:"participant_id,omitempty" env:"CHATSYNC_PARTICIPANT_ID"`
	Transport     TransportConfig `toml:"transport"`
	Sync          SyncConfig      `toml:"sync"`
	Log           LogConfig       `toml:"log"`
}

// TransportConfig tunes the channel and the REST client.
type TransportConfig struct {
	ReconnectBase        Duration `toml:"reconnect_base" env:"CHATSYNC_RECONNECT_BASE" validate:"gt=0"`
	ReconnectMax         Duration `toml:"reconnect_max" env:"CHATSYNC_RECONNECT_MAX" validate:"gtefield=ReconnectBase"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts" env:"CHATSYNC_MAX_RECONNECT_ATTEMPTS" validate:"gte=0"`
	Heartbeat            Duration `toml:"heartbeat" env:"CHATSYNC_HEARTBEAT" validate:"gte=0"`
	AckTimeout           Duration `toml:"ack_timeout" env:"CHATSYNC_ACK_TIMEOUT" validate:"gt=0"`
	RequestTimeout       Duration `toml:"request_timeout" env:"CHATSYNC_REQUEST_TIMEOUT" validate:"gt=0"`
}

// SyncConfig tunes the synchronization timers and buffers.
type SyncConfig struct {
	TypingTTL       Duration `toml:"typing_ttl" env:"CHATSYNC_TYPING_TTL" validate:"gt=0"`
	TypingQuiet     Duration `toml:"typing_quiet" env:"CHATSYNC_TYPING_QUIET" validate:"gt=0,ltfield=TypingTTL"`
	SuspendGrace    Duration `toml:"suspend_grace" env:"CHATSYNC_SUSPEND_GRACE" validate:"gt=0"`
	MarkReadRetry   Duration `toml:"mark_read_retry" env:"CHATSYNC_MARK_READ_RETRY" validate:"gt=0"`
	HistoryPageSize int      `toml:"history_page_size" env:"CHATSYNC_HISTORY_PAGE_SIZE" validate:"min=1,max=200"`
	NotifyBuffer    int      `toml:"notify_buffer" env:"CHATSYNC_NOTIFY_BUFFER" validate:"min=1"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level" env:"CHATSYNC_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `toml:"format" env:"CHATSYNC_LOG_FORMAT" validate:"oneof=text json"`
}

// DefaultConfig returns the built-in defaults. BaseURL is left empty.
func DefaultConfig() Config {
	return Config{
		Transport: TransportConfig{
			ReconnectBase:  Duration(1 * time.Second),
			ReconnectMax:   Duration(30 * time.Second),
			Heartbeat:      Duration(25 * time.Second),
			AckTimeout:     Duration(10 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			TypingTTL:       Duration(5 * time.Second),
			TypingQuiet:     Duration(1 * time.Second),
			SuspendGrace:    Duration(30 * time.Second),
			MarkReadRetry:   Duration(3 * time.Second),
			HistoryPageSize: 50,
			NotifyBuffer:    256,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// ============================================================================
// Loading
// ============================================================================

// LoadConfig builds a Config from defaults, the TOML file at path (skipped
// when path is empty or missing), a .env file in the working directory and
// the process environment, then validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("cannot read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("cannot parse config: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("cannot load .env: %w", err)
	}
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("cannot read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TOML renders the config as a TOML document.
func (c Config) TOML() ([]byte, error) {
	return toml.Marshal(c)
}

var validate = validator.New()

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// channelURL is the websocket endpoint, derived from BaseURL when unset.
func (c Config) channelURL() string {
	if c.WebSocketURL != "" {
		return c.WebSocketURL
	}
	return WebSocketURL(c.BaseURL)
}

// ============================================================================
// Duration
// ============================================================================

// Duration is a time.Duration written as "1s", "250ms" in TOML and in the
// environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalEnvironmentValue lets go-env parse the same syntax.
func (d *Duration) UnmarshalEnvironmentValue(data string) error {
	return d.UnmarshalText([]byte(data))
}
