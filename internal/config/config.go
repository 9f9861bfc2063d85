package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	ErrNoUploader    = errors.New("no upload sink configured")
	ErrDuplicateUser = errors.New("duplicate user id")
)

type Config struct {
	Debug        bool   `mapstructure:"debug"`
	WebAddr      string `mapstructure:"web_addr" validate:"required"`
	CookieDomain string `mapstructure:"cookie_domain"`
	VerifyCSRF   bool   `mapstructure:"verify_csrf"`
	// Users is a list rather than a map so ids keep their case; viper
	// lower-cases map keys.
	Users     []User          `mapstructure:"users" validate:"required,min=1,dive"`
	Device    DeviceConfig    `mapstructure:"device"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Stream    StreamConfig    `mapstructure:"stream"`
}

// User is a login allowed to start a tracking session. Hash is a bcrypt
// hash as printed by fieldsync -hashpwd.
type User struct {
	Id   string `mapstructure:"id" validate:"required"`
	Hash string `mapstructure:"hash" validate:"required"`
}

// DeviceConfig selects how the field device reaches the service: a direct
// listener, or a tunnel to a relay when TunnelAddr is set.
type DeviceConfig struct {
	ListenAddr  string        `mapstructure:"listen_addr"`
	Proxy       bool          `mapstructure:"proxy"`
	TunnelAddr  string        `mapstructure:"tunnel_addr"`
	TunnelToken string        `mapstructure:"tunnel_token" validate:"required_with=TunnelAddr"`
	TunnelTLS   bool          `mapstructure:"tunnel_tls"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
}

type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0"`
	Refractory    time.Duration `mapstructure:"refractory" validate:"gt=0"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout" validate:"gt=0"`
}

type UploadConfig struct {
	URL         string        `mapstructure:"url" validate:"omitempty,url"`
	Log         bool          `mapstructure:"log"`
	DbURL       string        `mapstructure:"db_url"`
	DbTable     string        `mapstructure:"db_table" validate:"required_with=DbURL"`
	DbBufSize   int           `mapstructure:"db_buf_size" validate:"gt=0"`
	DbFlush     time.Duration `mapstructure:"db_flush" validate:"gt=0"`
	NatsURL     string        `mapstructure:"nats_url"`
	NatsSubject string        `mapstructure:"nats_subject" validate:"required_with=NatsURL"`
}

type StreamConfig struct {
	Salt      string `mapstructure:"salt" validate:"required"`
	MinLength int    `mapstructure:"min_length" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("web_addr", ":3333")
	v.SetDefault("cookie_domain", "")
	v.SetDefault("verify_csrf", true)
	v.SetDefault("device.listen_addr", ":5000")
	v.SetDefault("device.proxy", false)
	v.SetDefault("device.tunnel_addr", "")
	v.SetDefault("device.tunnel_token", "")
	v.SetDefault("device.tunnel_tls", false)
	v.SetDefault("device.read_timeout", "5m")
	v.SetDefault("scheduler.interval", "10s")
	v.SetDefault("scheduler.refractory", "5s")
	v.SetDefault("scheduler.upload_timeout", "15s")
	v.SetDefault("upload.url", "")
	v.SetDefault("upload.log", false)
	v.SetDefault("upload.db_url", "")
	v.SetDefault("upload.db_table", "location_upload")
	v.SetDefault("upload.db_buf_size", 64)
	v.SetDefault("upload.db_flush", "1m")
	v.SetDefault("upload.nats_url", "")
	v.SetDefault("upload.nats_subject", "fieldsync.location")
	v.SetDefault("stream.salt", "fieldsync")
	v.SetDefault("stream.min_length", 8)
}

// Load reads defaults, the optional config file at path and FIELDSYNC_
// environment overrides (FIELDSYNC_UPLOAD_URL for upload.url), then
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("fieldsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Users))
	for _, usr := range c.Users {
		if seen[usr.Id] {
			return fmt.Errorf("%w: %s", ErrDuplicateUser, usr.Id)
		}
		seen[usr.Id] = true
	}
	u := &c.Upload
	if u.URL == "" && u.DbURL == "" && u.NatsURL == "" && !u.Log {
		return ErrNoUploader
	}
	return nil
}

// UserHashes maps each user id to its bcrypt hash.
func (c *Config) UserHashes() map[string]string {
	m := make(map[string]string, len(c.Users))
	for _, usr := range c.Users {
		m[usr.Id] = usr.Hash
	}
	return m
}
