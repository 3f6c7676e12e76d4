package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/service/config"
	"github.com/iurnickita/postbackcache/internal/service/postbackclient"
	"github.com/iurnickita/postbackcache/internal/store"
)

type Service interface {
	// Конверсии и сброс кэша
	ProcessConversion(ctx context.Context, conversion model.Conversion) model.Outcome
	FlushVertical(ctx context.Context, verticalID int64) (model.FlushResult, error)
	FlushAllVerticals(ctx context.Context, trigger FlushTrigger) (model.FlushSummary, error)
	LastScheduledFlush(ctx context.Context) (time.Time, error)

	// Администрирование
	OfferCreate(ctx context.Context, offer model.Offer) error
	OfferUpdate(ctx context.Context, offer model.Offer) error
	OfferDelete(ctx context.Context, offerID string) error
	OfferList(ctx context.Context) ([]model.Offer, error)
	OfferAssign(ctx context.Context, offerID string, verticalID int64) error
	OfferUnassign(ctx context.Context, offerID string) error
	VerticalCreate(ctx context.Context, vertical model.Vertical) (int64, error)
	VerticalUpdate(ctx context.Context, vertical model.Vertical) error
	VerticalDelete(ctx context.Context, verticalID int64) error
	VerticalList(ctx context.Context) ([]model.Vertical, error)
	VerticalDetails(ctx context.Context, verticalID int64) (VerticalDetails, error)
	CacheClear(ctx context.Context, offerID string) (int64, error)
	Stats(ctx context.Context) (model.Stats, error)
	Logs(ctx context.Context, limit int) ([]model.ConversionLog, error)
}

var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrUnprocessableEntity = errors.New("unprocessable entity")
	ErrAlreadyExists       = errors.New("already exists")
	ErrNotFound            = errors.New("not found")
)

type service struct {
	cfg      config.Config
	store    store.Store
	postback postbackclient.PostbackClient
	locks    *scopeLocks
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewService(cfg config.Config, store store.Store, postback postbackclient.PostbackClient, zaplog *zap.Logger) Service {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = model.DefaultPayoutThreshold
	}
	return &service{
		cfg:      cfg,
		store:    store,
		postback: postback,
		locks:    newScopeLocks(),
		zaplog:   zaplog,
		now:      time.Now,
	}
}

// Блокировка области кэша (вертикаль или оффер без вертикали).
// Запись в кэш, сброс по порогу и плановый сброс одной области выполняются последовательно,
// поэтому строка, добавленная во время сброса, не теряется и не учитывается дважды.
// Действует в пределах одного процесса.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *scopeLocks) lock(scope model.CacheScope) (unlock func()) {
	key := scope.String()

	l.mu.Lock()
	mutex, ok := l.locks[key]
	if !ok {
		mutex = &sync.Mutex{}
		l.locks[key] = mutex
	}
	l.mu.Unlock()

	mutex.Lock()
	return mutex.Unlock
}

// Запись в журнал решений. Ошибка журнала не влияет на обработку
func (service *service) audit(ctx context.Context, entry model.ConversionLog) {
	if err := service.store.LogPost(ctx, entry); err != nil {
		service.zaplog.Error("conversion log write failed",
			zap.String("action", entry.Action),
			zap.String("clickid", entry.ClickID),
			zap.String("offer_id", entry.OfferID),
			zap.Error(err))
	}
}

// Отправка постбека

type postbackResult struct {
	postback postbackclient.Postback
	response postbackclient.Response
	err      error
}

func (r postbackResult) ok() bool {
	return r.err == nil
}

func (r postbackResult) errorText() string {
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

func (service *service) firePostback(ctx context.Context, postback postbackclient.Postback) postbackResult {
	response, err := service.postback.Send(ctx, postback)
	if err != nil {
		service.zaplog.Warn("postback failed",
			zap.String("clickid", postback.ClickID),
			zap.String("offer_id", postback.OfferID),
			zap.String("url", response.URL),
			zap.Error(err))
	}
	return postbackResult{postback: postback, response: response, err: err}
}

// Запись попытки в историю постбеков
func (service *service) recordAttempt(ctx context.Context, result postbackResult, qualifyingValue float64) {
	attempt := model.PostbackAttempt{
		ClickID:         result.postback.ClickID,
		OfferID:         result.postback.OfferID,
		Amount:          result.postback.Amount,
		QualifyingValue: qualifyingValue,
		URL:             result.response.URL,
		Success:         result.ok(),
		ResponseText:    result.response.Body,
		ErrorMessage:    result.errorText(),
		CreatedAt:       service.now(),
	}
	if err := service.store.PostbackPost(ctx, attempt); err != nil {
		service.zaplog.Error("postback history write failed",
			zap.String("clickid", attempt.ClickID),
			zap.String("offer_id", attempt.OfferID),
			zap.Error(err))
	}
}
