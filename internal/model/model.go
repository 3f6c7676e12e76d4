package model

import (
	"strconv"
	"time"
)

// Суммы хранятся в центах: без ошибок округления при суммировании кэша.

const (
	DefaultPayoutThreshold = 10.00
	DefaultHighEvent       = "Purchase"

	ModeSimple   = "simple"
	ModeAdvanced = "advanced"
)

// Офферы

type Offer struct {
	ID       string
	Name     string
	Mode     OfferMode
	Vertical *Vertical // nil - оффер не привязан к вертикали
}

// OfferMode - вариант режима обработки оффера: SimpleMode или AdvancedMode.
type OfferMode interface {
	ModeName() string
}

// Накопление до порога вертикали
type SimpleMode struct{}

func (SimpleMode) ModeName() string { return ModeSimple }

// Каждая конверсия отправляется сразу, тип события зависит от TriggerAmount
type AdvancedMode struct {
	TriggerAmount float64
	LowEvent      string
	HighEvent     string
}

func (AdvancedMode) ModeName() string { return ModeAdvanced }

func (m AdvancedMode) EventFor(qualifyingValue float64) string {
	if qualifyingValue < m.TriggerAmount {
		return m.LowEvent
	}
	if m.HighEvent == "" {
		return DefaultHighEvent
	}
	return m.HighEvent
}

// Порог выплаты, применяемый к офферу в простом режиме; без вертикали - порог по умолчанию
func (o Offer) PayoutThreshold(defaultThreshold float64) float64 {
	if o.Vertical == nil {
		return defaultThreshold
	}
	return o.Vertical.PayoutThreshold
}

// Область кэша: вся вертикаль, либо сам оффер, если вертикали нет
func (o Offer) CacheScope() CacheScope {
	if o.Vertical == nil {
		return CacheScope{OfferID: o.ID}
	}
	return CacheScope{VerticalID: o.Vertical.ID}
}

func (o Offer) VerticalName() string {
	if o.Vertical == nil {
		return "Unassigned"
	}
	return o.Vertical.Name
}

// Вертикали

type Vertical struct {
	ID              int64
	Name            string
	PayoutThreshold float64
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Кэш конверсий. Журнал: одна строка на конверсию ниже порога, удаляется при сбросе.

type CachedConversion struct {
	ID              int64
	ClickID         string
	OfferID         string
	Amount          int64
	QualifyingValue float64
	CreatedAt       time.Time
}

type CacheScope struct {
	VerticalID int64
	OfferID    string
}

func (s CacheScope) IsVertical() bool {
	return s.VerticalID != 0
}

func (s CacheScope) String() string {
	if s.IsVertical() {
		return "vertical:" + strconv.FormatInt(s.VerticalID, 10)
	}
	return "offer:" + s.OfferID
}

// История постбеков и журнал решений

type PostbackAttempt struct {
	ClickID         string
	OfferID         string
	Amount          int64
	QualifyingValue float64
	URL             string
	Success         bool
	ResponseText    string
	ErrorMessage    string
	CreatedAt       time.Time
}

type ConversionLog struct {
	ID             int64
	ClickID        string
	OfferID        string
	OriginalAmount int64
	OriginalParam1 float64
	CachedAmount   int64
	TotalSent      int64
	TriggerParam1  float64
	Action         string
	Message        string
	CreatedAt      time.Time
}

const (
	ActionRequestReceived            = "request_received"
	ActionInvalidClickID             = "invalid_clickid"
	ActionInvalidOfferID             = "invalid_offer_id"
	ActionValidationFailed           = "validation_failed"
	ActionUnknownOfferDirectFire     = "unknown_offer_direct_fire"
	ActionUnknownOfferPostbackOK     = "unknown_offer_postback_success"
	ActionUnknownOfferPostbackFailed = "unknown_offer_postback_failed"
	ActionAdvancedDirectFire         = "advanced_mode_direct_fire"
	ActionAdvancedPostbackOK         = "advanced_mode_postback_success"
	ActionAdvancedPostbackFailed     = "advanced_mode_postback_failed"
	ActionSimpleCacheLoaded          = "simple_mode_cache_loaded"
	ActionCachedConversion           = "cached_conversion"
	ActionPreparingPostback          = "preparing_postback"
	ActionVerticalCacheCleared       = "vertical_cache_cleared"
	ActionPostbackOK                 = "postback_success"
	ActionPostbackFailed             = "postback_failed"
	ActionAutoCacheFlush             = "auto_cache_flush"
	ActionAutoPostbackOK             = "auto_postback_success"
	ActionAutoPostbackFailed         = "auto_postback_failed"
	ActionDailyFlushCompleted        = "daily_cache_flush_completed"
	ActionManualFlush                = "manual_cache_flush"
	ActionManualOfferCacheClear      = "manual_offer_cache_clear"
	ActionManualGlobalCacheClear     = "manual_global_cache_clear"
	ActionOfferCreated               = "offer_created"
	ActionOfferUpdated               = "offer_updated"
	ActionOfferDeleted               = "offer_deleted"
	ActionOfferVerticalAssignment    = "offer_vertical_assignment"
	ActionVerticalCreated            = "vertical_created"
	ActionVerticalUpdated            = "vertical_updated"
	ActionVerticalDeleted            = "vertical_deleted"
	ActionSystemError                = "system_error"
)

// Результат обработки конверсии

type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeCached
	OutcomeFiredUnknown
	OutcomeFiredUnknownFailed
	OutcomeFiredAdvanced
	OutcomeFiredAdvancedFailed
	OutcomeFiredThreshold
	OutcomeFiredThresholdFailed
	OutcomeSystemError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeCached:
		return "cached"
	case OutcomeFiredUnknown:
		return "fired-unknown"
	case OutcomeFiredUnknownFailed:
		return "fired-unknown-failed"
	case OutcomeFiredAdvanced:
		return "fired-advanced"
	case OutcomeFiredAdvancedFailed:
		return "fired-advanced-failed"
	case OutcomeFiredThreshold:
		return "fired-threshold"
	case OutcomeFiredThresholdFailed:
		return "fired-threshold-failed"
	default:
		return "system-error"
	}
}

func (o Outcome) Fired() bool {
	switch o {
	case OutcomeFiredUnknown, OutcomeFiredAdvanced, OutcomeFiredThreshold:
		return true
	}
	return false
}

func (o Outcome) FiredFailed() bool {
	switch o {
	case OutcomeFiredUnknownFailed, OutcomeFiredAdvancedFailed, OutcomeFiredThresholdFailed:
		return true
	}
	return false
}

// Входящая конверсия
type Conversion struct {
	ClickID         string
	OfferID         string
	Amount          int64
	QualifyingValue float64
}

// Сброс кэша

const (
	FlushActionNoCache      = "no_cache"
	FlushActionCacheFlushed = "cache_flushed"
)

type FlushResult struct {
	Vertical         string
	VerticalID       int64
	OfferID          string
	Success          bool
	Action           string
	ConversionsCount int
	TotalAmount      int64
	PostbackSuccess  bool
	Error            string
}

type FlushSummary struct {
	Processed  int
	Successful int
	Flushed    int
	Results    []FlushResult
}

// Статистика

type OfferStats struct {
	OfferID           string
	Name              string
	Mode              string
	VerticalID        int64
	VerticalName      string
	CachedAmount      int64
	CachedConversions int
	UniqueClickIDs    int
	Postbacks         int
	LastConversion    *time.Time
}

type VerticalStats struct {
	Vertical            Vertical
	Offers              int
	CachedAmount        int64
	CachedConversions   int
	UniqueClickIDs      int
	Postbacks           int
	SuccessfulPostbacks int
}

type Stats struct {
	GlobalCachedAmount  int64
	CachedConversions   int
	TotalPostbacks      int
	SuccessfulPostbacks int
	Offers              []OfferStats
	Verticals           []VerticalStats
}
