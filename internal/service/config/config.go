package config

import "time"

type Config struct {
	PostbackURL      string
	PostbackTimeout  time.Duration
	DefaultThreshold float64
}
