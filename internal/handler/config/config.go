package config

import "time"

type Config struct {
	ServerAddr string
	// секрет администратора: Bearer-токен и ключ подписи сессионных JWT
	AdminSecret string
	SessionTTL  time.Duration
	// ограничение попыток входа в админку с одного IP
	LoginRate  float64
	LoginBurst int
}
