package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type User struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Avatar string `mapstructure:"avatar"`
}

type Capture struct {
	AudioFile  string `mapstructure:"audio_file"`
	VideoFile  string `mapstructure:"video_file"`
	ScreenFile string `mapstructure:"screen_file"`
	Loop       bool   `mapstructure:"loop"`
}

type Rate struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	SignalURL  string        `mapstructure:"signal_url"`
	Room       string        `mapstructure:"room"`
	User       User          `mapstructure:"user"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	ICEServers []string      `mapstructure:"ice_servers"`
	Capture    Capture       `mapstructure:"capture"`
	RecordDir  string        `mapstructure:"record_dir"`
	// RecordFailureLimit is how many consecutive sink writes may fail before a recording is closed; 0 never closes.
	RecordFailureLimit int    `mapstructure:"record_failure_limit"`
	LogLevel           string `mapstructure:"log_level"`
	AutoJoin           bool   `mapstructure:"auto_join"`
	JoinRate           Rate   `mapstructure:"join_rate"`
}

// Load reads config/config.<env>.yaml, where env comes from --config-env or
// CONFIG_ENV, then applies VOICE_* environment variables and flags in args.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("voice-client", pflag.ContinueOnError)
	configEnv := fs.String("config-env", "", "config environment (config/config.<env>.yaml)")
	configDir := fs.String("config-dir", "config", "directory holding config files")
	fs.String("signal-url", "", "signaling server websocket url")
	fs.String("room", "", "room to join")
	fs.String("name", "", "display name")
	fs.Int("port", 0, "control api port")
	fs.Bool("auto-join", false, "join the configured room on start")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := *configEnv
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	fileName := filepath.Join(*configDir, fmt.Sprintf("config.%s.yaml", env))
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("room", "")
	v.SetDefault("user.id", "")
	v.SetDefault("user.name", "")
	v.SetDefault("user.avatar", "")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ice_servers", []string{})
	v.SetDefault("capture.audio_file", "")
	v.SetDefault("capture.video_file", "")
	v.SetDefault("capture.screen_file", "")
	v.SetDefault("capture.loop", true)
	v.SetDefault("record_dir", "")
	v.SetDefault("record_failure_limit", 50)
	v.SetDefault("log_level", "info")
	v.SetDefault("auto_join", false)
	v.SetDefault("join_rate.limit", 5)
	v.SetDefault("join_rate.interval", "10s")

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"signal_url": "signal-url",
		"room":       "room",
		"user.name":  "name",
		"port":       "port",
		"auto_join":  "auto-join",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	logger := log.With().Str("module", "config").Str("file", fileName).Logger()
	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Err(err).Msg("config file not loaded, using defaults")
	} else {
		logger.Info().Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.SignalURL == "" {
		return nil, fmt.Errorf("signal_url is required")
	}
	logger.Info().
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("signal", cfg.SignalURL).
		Str("room", cfg.Room).
		Msg("config ready")
	return &cfg, nil
}
