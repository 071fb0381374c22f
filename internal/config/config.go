// Package config provides configuration management for the recording bot.
// Configuration is read from an optional YAML file, then environment
// variables, falling back to defaults for anything not specified.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
)

// Config holds all configuration for the recording bot.
type Config struct {
	// CallID names the recording in storage and metrics.
	// Default: a random UUID
	CallID string `yaml:"call_id"`

	// Runtime selects the media runtime ("ipc" or "rtc").
	// Default: "ipc"
	Runtime string `yaml:"runtime"`

	// IPCSocketPath is the Unix socket the media host connects to.
	// Default: "/tmp/recording_bot.sock"
	IPCSocketPath string `yaml:"ipc_socket_path"`

	// ICEServers are the STUN/TURN URLs used by the rtc runtime.
	ICEServers []string `yaml:"ice_servers"`

	// HTTPListenAddr is the address for the status server.
	// Default: ":8080"
	HTTPListenAddr string `yaml:"http_listen_addr"`

	// VideoSockets is the number of video decode channels.
	// Default: 4
	VideoSockets int `yaml:"video_sockets"`

	// ScreenShare enables the screen-share channel.
	// Default: true
	ScreenShare bool `yaml:"screen_share"`

	// Resolution requested on video subscribe ("1080p", "720p", ...).
	// Default: "1080p"
	Resolution string `yaml:"resolution"`

	// ForceSubscribeOnDominantSpeaker gives the dominant speaker a video
	// channel even when every channel is taken.
	// Default: false
	ForceSubscribeOnDominantSpeaker bool `yaml:"force_subscribe_on_dominant_speaker"`

	// OutputDir is where sequences are written at the end of the call.
	// Default: "./recordings"
	OutputDir string `yaml:"output_dir"`

	// PayloadEncoding is "json" or "msgpack".
	// Default: "json"
	PayloadEncoding string `yaml:"payload_encoding"`

	// FlushConcurrency bounds parallel writes at teardown.
	// Default: 4
	FlushConcurrency int `yaml:"flush_concurrency"`

	// MaxFrameBytes is the largest frame kept.
	// Default: 16 MiB
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// ShutdownTimeout bounds teardown after the call ends.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LogLevel specifies logging verbosity ("debug", "info", "warn", "error").
	// Default: "info"
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		CallID:           uuid.NewString(),
		Runtime:          "ipc",
		IPCSocketPath:    "/tmp/recording_bot.sock",
		HTTPListenAddr:   ":8080",
		VideoSockets:     4,
		ScreenShare:      true,
		Resolution:       "1080p",
		OutputDir:        "./recordings",
		PayloadEncoding:  "json",
		FlushConcurrency: 4,
		MaxFrameBytes:    16 << 20,
		ShutdownTimeout:  30 * time.Second,
		LogLevel:         "info",
	}
}

// Load reads the YAML file at path when path is not empty, then applies
// environment variables, then validates.
//
// Environment variables:
//   - RECORDER_CALL_ID: Call identifier
//   - RECORDER_RUNTIME: Media runtime (ipc or rtc)
//   - RECORDER_IPC_SOCKET_PATH: Unix socket path
//   - RECORDER_ICE_SERVERS: Comma-separated list of STUN/TURN URLs
//   - RECORDER_HTTP_LISTEN_ADDR: Status server listen address
//   - RECORDER_VIDEO_SOCKETS: Number of video channels
//   - RECORDER_SCREEN_SHARE: Enable the screen-share channel (true/false)
//   - RECORDER_RESOLUTION: Subscribe resolution
//   - RECORDER_FORCE_SUBSCRIBE_ON_DOMINANT_SPEAKER: Force dominant speaker video (true/false)
//   - RECORDER_OUTPUT_DIR: Recording output directory
//   - RECORDER_PAYLOAD_ENCODING: Payload encoding (json or msgpack)
//   - RECORDER_FLUSH_CONCURRENCY: Parallel writes at teardown
//   - RECORDER_MAX_FRAME_BYTES: Largest frame kept
//   - RECORDER_SHUTDOWN_TIMEOUT: Teardown timeout (e.g. 30s)
//   - RECORDER_LOG_LEVEL: Logging level (debug, info, warn, error)
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if val := os.Getenv("RECORDER_CALL_ID"); val != "" {
		c.CallID = strings.TrimSpace(val)
	}

	if val := os.Getenv("RECORDER_RUNTIME"); val != "" {
		c.Runtime = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("RECORDER_IPC_SOCKET_PATH"); val != "" {
		c.IPCSocketPath = val
	}

	if val := os.Getenv("RECORDER_ICE_SERVERS"); val != "" {
		c.ICEServers = splitList(val)
	}

	if val := os.Getenv("RECORDER_HTTP_LISTEN_ADDR"); val != "" {
		c.HTTPListenAddr = val
	}

	if val := os.Getenv("RECORDER_VIDEO_SOCKETS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.New("RECORDER_VIDEO_SOCKETS must be a valid integer")
		}
		c.VideoSockets = n
	}

	if val := os.Getenv("RECORDER_SCREEN_SHARE"); val != "" {
		c.ScreenShare = strings.ToLower(strings.TrimSpace(val)) == "true"
	}

	if val := os.Getenv("RECORDER_RESOLUTION"); val != "" {
		c.Resolution = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("RECORDER_FORCE_SUBSCRIBE_ON_DOMINANT_SPEAKER"); val != "" {
		c.ForceSubscribeOnDominantSpeaker = strings.ToLower(strings.TrimSpace(val)) == "true"
	}

	if val := os.Getenv("RECORDER_OUTPUT_DIR"); val != "" {
		c.OutputDir = val
	}

	if val := os.Getenv("RECORDER_PAYLOAD_ENCODING"); val != "" {
		c.PayloadEncoding = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("RECORDER_FLUSH_CONCURRENCY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.New("RECORDER_FLUSH_CONCURRENCY must be a valid integer")
		}
		c.FlushConcurrency = n
	}

	if val := os.Getenv("RECORDER_MAX_FRAME_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return errors.New("RECORDER_MAX_FRAME_BYTES must be a valid integer")
		}
		c.MaxFrameBytes = n
	}

	if val := os.Getenv("RECORDER_SHUTDOWN_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.New("RECORDER_SHUTDOWN_TIMEOUT must be a valid duration")
		}
		c.ShutdownTimeout = d
	}

	if val := os.Getenv("RECORDER_LOG_LEVEL"); val != "" {
		c.LogLevel = strings.ToLower(strings.TrimSpace(val))
	}

	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.CallID == "" {
		return errors.New("CallID cannot be empty")
	}

	switch c.Runtime {
	case "ipc":
		if c.IPCSocketPath == "" {
			return errors.New("IPCSocketPath cannot be empty")
		}
	case "rtc":
	default:
		return errors.New("Runtime must be 'ipc' or 'rtc'")
	}

	if c.HTTPListenAddr == "" {
		return errors.New("HTTPListenAddr cannot be empty")
	}

	if c.VideoSockets < 1 || c.VideoSockets > 16 {
		return errors.New("VideoSockets must be between 1 and 16")
	}

	if _, ok := media.ParseResolution(c.Resolution); !ok {
		return errors.New("Resolution must be one of 1080p, 720p, 540p, 360p, 240p, 180p")
	}

	if c.OutputDir == "" {
		return errors.New("OutputDir cannot be empty")
	}

	validEncodings := map[string]bool{"json": true, "msgpack": true}
	if !validEncodings[c.PayloadEncoding] {
		return errors.New("PayloadEncoding must be 'json' or 'msgpack'")
	}

	if c.FlushConcurrency < 1 || c.FlushConcurrency > 64 {
		return errors.New("FlushConcurrency must be between 1 and 64")
	}

	if c.MaxFrameBytes <= 0 {
		return errors.New("MaxFrameBytes must be a positive integer")
	}

	if c.MaxFrameBytes > 256<<20 {
		return errors.New("MaxFrameBytes exceeds maximum allowed value of 256 MiB")
	}

	if c.ShutdownTimeout <= 0 {
		return errors.New("ShutdownTimeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return errors.New("LogLevel must be 'debug', 'info', 'warn', or 'error'")
	}

	return nil
}

// SubscribeResolution returns the parsed Resolution. Call after Validate.
func (c *Config) SubscribeResolution() media.Resolution {
	r, _ := media.ParseResolution(c.Resolution)
	return r
}

// IsDebug returns true if the log level is set to debug.
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// String returns a string representation of the config for logging purposes.
func (c *Config) String() string {
	return "Config{" +
		"CallID: " + c.CallID + ", " +
		"Runtime: " + c.Runtime + ", " +
		"IPCSocketPath: " + c.IPCSocketPath + ", " +
		"ICEServers: [" + strings.Join(c.ICEServers, ", ") + "], " +
		"HTTPListenAddr: " + c.HTTPListenAddr + ", " +
		"VideoSockets: " + strconv.Itoa(c.VideoSockets) + ", " +
		"ScreenShare: " + strconv.FormatBool(c.ScreenShare) + ", " +
		"Resolution: " + c.Resolution + ", " +
		"ForceSubscribeOnDominantSpeaker: " + strconv.FormatBool(c.ForceSubscribeOnDominantSpeaker) + ", " +
		"OutputDir: " + c.OutputDir + ", " +
		"PayloadEncoding: " + c.PayloadEncoding + ", " +
		"FlushConcurrency: " + strconv.Itoa(c.FlushConcurrency) + ", " +
		"MaxFrameBytes: " + strconv.FormatInt(c.MaxFrameBytes, 10) + ", " +
		"ShutdownTimeout: " + c.ShutdownTimeout.String() + ", " +
		"LogLevel: " + c.LogLevel +
		"}"
}
