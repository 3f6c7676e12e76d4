package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	handlerConfig "github.com/iurnickita/postbackcache/internal/handler/config"
	loggerConfig "github.com/iurnickita/postbackcache/internal/logger/config"
	schedulerConfig "github.com/iurnickita/postbackcache/internal/scheduler/config"
	serviceConfig "github.com/iurnickita/postbackcache/internal/service/config"
	storeConfig "github.com/iurnickita/postbackcache/internal/store/config"
)

type Config struct {
	Handler   handlerConfig.Config
	Service   serviceConfig.Config
	Store     storeConfig.Config
	Logger    loggerConfig.Config
	Scheduler schedulerConfig.Config
}

// GetConfig: флаги командной строки, переменные окружения имеют приоритет
func GetConfig() (Config, error) {
	return parse(os.Args[0], os.Args[1:], os.Getenv)
}

func parse(name string, args []string, getenv func(string) string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "address and port to run server")
	fs.StringVar(&cfg.Handler.AdminSecret, "s", "", "admin secret token")
	fs.DurationVar(&cfg.Handler.SessionTTL, "session-ttl", 24*time.Hour, "admin session lifetime")
	fs.Float64Var(&cfg.Handler.LoginRate, "login-rate", 0.2, "admin login attempts per second per IP")
	fs.IntVar(&cfg.Handler.LoginBurst, "login-burst", 5, "admin login burst per IP")
	fs.StringVar(&cfg.Store.DBDsn, "d", "", "database connection string")
	fs.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	fs.StringVar(&cfg.Service.PostbackURL, "p", "https://clks.trackthisclicks.com/postback", "postback base URL")
	fs.DurationVar(&cfg.Service.PostbackTimeout, "t", 10*time.Second, "postback request timeout")
	fs.Float64Var(&cfg.Service.DefaultThreshold, "threshold", 10, "default payout threshold, USD")
	fs.BoolVar(&cfg.Scheduler.Enabled, "flush", true, "run the daily cache flush")
	fs.StringVar(&cfg.Scheduler.Location, "flush-tz", "America/New_York", "time zone of the daily flush window")
	fs.IntVar(&cfg.Scheduler.Hour, "flush-hour", 23, "hour of the daily flush window")
	fs.IntVar(&cfg.Scheduler.FromMinute, "flush-minute", 55, "first minute of the daily flush window")
	fs.DurationVar(&cfg.Scheduler.Interval, "flush-interval", time.Minute, "flush window check interval")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if v := getenv("RUN_ADDRESS"); v != "" {
		cfg.Handler.ServerAddr = v
	}
	if v := getenv("ADMIN_SECRET_TOKEN"); v != "" {
		cfg.Handler.AdminSecret = v
	}
	if v := getenv("DATABASE_URI"); v != "" {
		cfg.Store.DBDsn = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logger.LogLevel = v
	}
	if v := getenv("POSTBACK_URL"); v != "" {
		cfg.Service.PostbackURL = v
	}
	if v := getenv("POSTBACK_TIMEOUT"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("POSTBACK_TIMEOUT: %w", err)
		}
		cfg.Service.PostbackTimeout = timeout
	}
	if v := getenv("DEFAULT_THRESHOLD"); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil || threshold <= 0 {
			return Config{}, fmt.Errorf("DEFAULT_THRESHOLD: must be a positive number, got %q", v)
		}
		cfg.Service.DefaultThreshold = threshold
	}
	if v := getenv("FLUSH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("FLUSH_ENABLED: %w", err)
		}
		cfg.Scheduler.Enabled = enabled
	}
	if v := getenv("FLUSH_TIMEZONE"); v != "" {
		cfg.Scheduler.Location = v
	}

	if cfg.Store.DBDsn == "" {
		return Config{}, fmt.Errorf("database connection string is required (-d or DATABASE_URI)")
	}
	if _, err := time.LoadLocation(cfg.Scheduler.Location); err != nil {
		return Config{}, fmt.Errorf("flush time zone: %w", err)
	}
	return cfg, nil
}
