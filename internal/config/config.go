// Package config loads the static server settings consumed at startup.
// Settings is a plain value passed into constructors; nothing mutates it
// after Load returns.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
)

// WatchdogSettings controls the connection liveness sweep.
type WatchdogSettings struct {
	Enabled                   bool  `json:"enabled"`
	ConnectionLifetimeSeconds int64 `json:"connectionLifetimeSeconds"`
}

// SecureSettings enables wss with a certificate pair.
type SecureSettings struct {
	Enabled bool   `json:"enabled"`
	CrtPath string `json:"crtPath"`
	KeyPath string `json:"keyPath"`
}

// ServerSettings holds listener and endpoint settings.
type ServerSettings struct {
	Address  string           `json:"address"`
	Port     uint16           `json:"port"`
	Endpoint string           `json:"endpoint"`
	Workers  int              `json:"workers"`
	Watchdog WatchdogSettings `json:"watchdog"`
	Secure   SecureSettings   `json:"secure"`
}

// MessageSettings holds per-message policies.
type MessageSettings struct {
	MaxSize              string   `json:"maxSize"`
	EnableDeliveryStatus bool     `json:"enableDeliveryStatus"`
	EnableSendBack       bool     `json:"enableSendBack"`
	IgnoreTypesSendBack  []string `json:"ignoreTypesSendBack"`
}

// ChatSettings holds routing policies.
type ChatSettings struct {
	Message                MessageSettings `json:"message"`
	EnableUndeliveredQueue bool            `json:"enableUndeliveredQueue"`
	UndeliveredQueueCap    int             `json:"undeliveredQueueCap"`
}

// AuthSettings selects the connect-time authentication strategy.
type AuthSettings struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Password string `json:"password"`
	Token    string `json:"token"`
	Header   string `json:"header"`
	Value    string `json:"value"`
}

// Settings is the root configuration record.
type Settings struct {
	Server ServerSettings `json:"server"`
	Chat   ChatSettings   `json:"chat"`
	Auth   AuthSettings   `json:"auth"`
}

// Default returns the settings used when keys are absent from the file.
func Default() Settings {
	return Settings{
		Server: ServerSettings{
			Address:  "",
			Port:     8085,
			Endpoint: "/chat",
			Workers:  runtime.NumCPU(),
			Watchdog: WatchdogSettings{
				Enabled:                   false,
				ConnectionLifetimeSeconds: 600,
			},
		},
		Chat: ChatSettings{
			Message: MessageSettings{
				MaxSize: "10M",
			},
			EnableUndeliveredQueue: true,
			UndeliveredQueueCap:    1024,
		},
		Auth: AuthSettings{Type: "noauth"},
	}
}

// Load reads a JSON settings file over the defaults and validates it.
func Load(path string) (Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that the record can actually drive a server.
func (s Settings) Validate() error {
	var errs []error

	if s.Server.Port == 0 {
		errs = append(errs, errors.New("server.port must be set"))
	}
	if !strings.HasPrefix(s.Server.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("server.endpoint must start with /, got %q", s.Server.Endpoint))
	}
	if s.Server.Workers <= 0 {
		errs = append(errs, fmt.Errorf("server.workers must be positive, got %d", s.Server.Workers))
	}
	if s.Server.Secure.Enabled {
		if s.Server.Secure.CrtPath == "" || s.Server.Secure.KeyPath == "" {
			errs = append(errs, errors.New("server.secure requires crtPath and keyPath"))
		}
	}
	if s.Server.Watchdog.Enabled && s.Server.Watchdog.ConnectionLifetimeSeconds <= 0 {
		errs = append(errs, errors.New("server.watchdog.connectionLifetimeSeconds must be positive"))
	}
	if _, err := s.MaxMessageBytes(); err != nil {
		errs = append(errs, err)
	}
	if s.Chat.UndeliveredQueueCap <= 0 {
		errs = append(errs, fmt.Errorf("chat.undeliveredQueueCap must be positive, got %d", s.Chat.UndeliveredQueueCap))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MaxMessageBytes parses the human-readable chat.message.maxSize value.
func (s Settings) MaxMessageBytes() (int64, error) {
	n, err := humanize.ParseBytes(s.Chat.Message.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("chat.message.maxSize %q: %w", s.Chat.Message.MaxSize, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("chat.message.maxSize must be positive")
	}
	return int64(n), nil
}

// ListenAddr joins address and port for the HTTP listener. Any non-empty
// address is bound as-is; the listener rejects invalid strings.
func (s Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Server.Address, s.Server.Port)
}
