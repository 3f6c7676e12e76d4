package config

import "time"

type Config struct {
	Enabled  bool
	Location string
	// окно ежедневного сброса, по местному времени Location
	Hour       int
	FromMinute int
	Interval   time.Duration
}
