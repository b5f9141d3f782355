package config

import (
	"fmt"
	"log"
	"refsync/internal/leaderboard"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Listen struct {
	BindIp string `yaml:"bind_ip" env-default:"0.0.0.0"`
	Port   string `yaml:"port" env-default:"8080"`
}

type Mongo struct {
	Enabled  bool   `yaml:"enabled" env-default:"false"`
	Host     string `yaml:"host" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env-default:"27017"`
	User     string `yaml:"user" env-default:""`
	Password string `yaml:"password" env-default:""`
	Database string `yaml:"database" env-default:"refsync"`
}

type SQLite struct {
	Path string `yaml:"path" env-default:"refsync.db"`
}

type Telegram struct {
	Enabled bool   `yaml:"enabled" env-default:"false"`
	ApiKey  string `yaml:"api_key" env-default:""`
	// GroupIDs lists the supergroups whose joins are attributed. The first
	// one receives personal invite links and published leaderboards.
	GroupIDs []int64 `yaml:"group_ids"`
	// ResultsChatID receives final results; zero means the first group.
	ResultsChatID int64   `yaml:"results_chat_id" env-default:"0"`
	AdminIDs      []int64 `yaml:"admin_ids"`
}

type Referral struct {
	RolloverInterval time.Duration `yaml:"rollover_interval" env-default:"10m"`
	GrantInterval    time.Duration `yaml:"grant_interval" env-default:"60s"`
	GrantBatch       int           `yaml:"grant_batch" env-default:"25"`
	GrantMaxAttempts int           `yaml:"grant_max_attempts" env-default:"5"`
	TopN             int           `yaml:"top_n" env-default:"10"`
	TimeZone         string        `yaml:"time_zone" env-default:"Europe/Warsaw"`
	PayoutUnit       int           `yaml:"payout_unit" env-default:"5"`
	Currency         string        `yaml:"currency" env-default:"USD"`
	CallTimeout      time.Duration `yaml:"call_timeout" env-default:"10s"`
}

type StripeConfig struct {
	Enabled       bool   `yaml:"enabled" env-default:"false"`
	APIKey        string `yaml:"api_key" env-default:""`
	WebhookSecret string `yaml:"webhook_secret" env-default:""`
}

type OpenCart struct {
	Enabled  bool   `yaml:"enabled" env-default:"false"`
	Driver   string `yaml:"driver" env-default:"mysql"`
	HostName string `yaml:"hostname" env-default:"127.0.0.1"`
	UserName string `yaml:"username" env-default:""`
	Password string `yaml:"password" env-default:""`
	Database string `yaml:"database" env-default:""`
	Port     string `yaml:"port" env-default:"3306"`
	Prefix   string `yaml:"prefix" env-default:"oc_"`
	// CompleteStatuses are the order_status_id values of paid orders.
	CompleteStatuses []int `yaml:"complete_statuses"`
}

type Alerts struct {
	Level             string `yaml:"level" env-default:"warn"`
	DigestIntervalMin int    `yaml:"digest_interval_min" env-default:"60"`
}

type Config struct {
	Env      string       `yaml:"env" env-default:"local"`
	Listen   Listen       `yaml:"listen"`
	Mongo    Mongo        `yaml:"mongo"`
	SQLite   SQLite       `yaml:"sqlite"`
	Telegram Telegram     `yaml:"telegram"`
	Referral Referral     `yaml:"referral"`
	Stripe   StripeConfig `yaml:"stripe"`
	OpenCart OpenCart     `yaml:"opencart"`
	Alerts   Alerts       `yaml:"alerts"`
}

var instance *Config
var once sync.Once

func MustLoad(path string) *Config {
	once.Do(func() {
		conf, err := Load(path)
		if err != nil {
			log.Fatal(err)
		}
		instance = conf
	})
	return instance
}

// Load reads and normalizes the config file without caching it.
func Load(path string) (*Config, error) {
	conf := &Config{}
	if err := cleanenv.ReadConfig(path, conf); err != nil {
		desc, _ := cleanenv.GetDescription(conf, nil)
		return nil, fmt.Errorf("config: %s; %s", err, desc)
	}
	if err := conf.Normalize(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return conf, nil
}

// Normalize replaces out of range values with usable ones.
func (c *Config) Normalize() error {
	r := &c.Referral
	if r.RolloverInterval <= 0 {
		r.RolloverInterval = 10 * time.Minute
	}
	if r.GrantInterval <= 0 {
		r.GrantInterval = time.Minute
	}
	if r.GrantBatch <= 0 {
		r.GrantBatch = 25
	}
	if r.GrantMaxAttempts <= 0 {
		r.GrantMaxAttempts = 5
	}
	r.TopN = leaderboard.ClampTopN(r.TopN)
	if r.TimeZone == "" {
		r.TimeZone = "Europe/Warsaw"
	}
	if _, err := time.LoadLocation(r.TimeZone); err != nil {
		return fmt.Errorf("referral.time_zone: %w", err)
	}
	if r.PayoutUnit < 0 {
		r.PayoutUnit = 0
	}
	if r.Currency == "" {
		r.Currency = "USD"
	}
	if r.CallTimeout <= 0 {
		r.CallTimeout = 10 * time.Second
	}
	if c.Telegram.ResultsChatID == 0 && len(c.Telegram.GroupIDs) > 0 {
		c.Telegram.ResultsChatID = c.Telegram.GroupIDs[0]
	}
	if len(c.OpenCart.CompleteStatuses) == 0 {
		c.OpenCart.CompleteStatuses = []int{5}
	}
	switch c.Env {
	case "local", "dev", "prod":
	default:
		return fmt.Errorf("invalid environment: %q", c.Env)
	}
	return nil
}
