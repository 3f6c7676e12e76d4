package model

import (
	"math"
	"strconv"
)

// Центы -> "12.5"
func FormatAmount(cents int64) string {
	return strconv.FormatFloat(AmountToFloat(cents), 'f', -1, 64)
}

func AmountToFloat(cents int64) float64 {
	return float64(cents) / 100
}

func AmountFromFloat(value float64) int64 {
	return int64(math.Round(value * 100))
}

// Пустая или нечисловая строка считается нулём: такие запросы отклоняются проверкой суммы
func ParseDecimal(s string) float64 {
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

func FormatDecimal(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
