// Package config loads environment variables and provides a typed Config
// used across the service. It applies sensible defaults so the binary can
// run locally with minimal setup. For required chat credentials, use
// ValidateChatReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RegionWeights are the per-event-type scoring weights consumed by the
// downstream region scorer. They are configuration surface only; the scorer
// itself reads the event log out of process.
type RegionWeights struct {
	Per100Bits   int
	PerPrime     int
	PerTier1     int
	PerTier2     int
	PerTier3     int
	PerGiftedSub int
}

type Config struct {
	// Twitch IRC
	Channels    []string
	BotUsername string
	IRCToken    string
	IRCServer   string

	// Listener policy
	Trigger string
	MinBits int

	// Event log
	EventsLogPath string

	// Downstream queue
	NATSURL     string
	NATSStream  string
	NATSSubject string

	// Scoring weights (external scorer)
	Regions RegionWeights

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if
// Twitch creds are missing; use ValidateChatReady when you require the
// listener to run.
func Load() (*Config, error) {
	cfg := &Config{}

	if v := os.Getenv("TWITCH_CHANNELS"); v != "" {
		for _, ch := range strings.Split(v, ",") {
			if ch = strings.TrimSpace(strings.TrimPrefix(ch, "#")); ch != "" {
				cfg.Channels = append(cfg.Channels, ch)
			}
		}
	} else if v := os.Getenv("TWITCH_CHANNEL"); v != "" {
		cfg.Channels = []string{strings.TrimPrefix(v, "#")}
	}
	cfg.BotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.IRCToken = os.Getenv("TWITCH_IRC_TOKEN")
	cfg.IRCServer = os.Getenv("TWITCH_IRC_SERVER")
	if cfg.IRCServer == "" {
		cfg.IRCServer = "irc.chat.twitch.tv"
	}

	cfg.Trigger = os.Getenv("TRACKER_TRIGGER")
	if cfg.Trigger == "" {
		cfg.Trigger = "!subvision"
	}
	cfg.MinBits = getEnvInt("TRACKER_MIN_BITS", 100)
	if cfg.MinBits < 0 {
		return nil, fmt.Errorf("invalid TRACKER_MIN_BITS: must be >= 0")
	}

	cfg.EventsLogPath = os.Getenv("EVENTS_LOG_PATH")
	if cfg.EventsLogPath == "" {
		cfg.EventsLogPath = "events.txt"
	}

	cfg.NATSURL = os.Getenv("NATS_URL")
	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://localhost:4222"
	}
	cfg.NATSStream = os.Getenv("NATS_STREAM")
	if cfg.NATSStream == "" {
		cfg.NATSStream = "SUBVISION"
	}
	cfg.NATSSubject = os.Getenv("NATS_SUBJECT")
	if cfg.NATSSubject == "" {
		cfg.NATSSubject = "subvision.events"
	}

	cfg.Regions = RegionWeights{
		Per100Bits:   getEnvInt("REGION_PER_100_BITS", 1),
		PerPrime:     getEnvInt("REGION_PER_PRIME", 1),
		PerTier1:     getEnvInt("REGION_PER_TIER1", 2),
		PerTier2:     getEnvInt("REGION_PER_TIER2", 3),
		PerTier3:     getEnvInt("REGION_PER_TIER3", 4),
		PerGiftedSub: getEnvInt("REGION_PER_GIFTED_SUB", 2),
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// ValidateChatReady checks required fields for running the chat listener.
func (c *Config) ValidateChatReady() error {
	if len(c.Channels) == 0 || c.BotUsername == "" || c.IRCToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CHANNEL(S), TWITCH_BOT_USERNAME, TWITCH_IRC_TOKEN")
	}
	return nil
}

// getEnvInt returns an integer environment variable value or the default if
// not set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return defaultVal
}
