package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/service/postbackclient"
	"github.com/iurnickita/postbackcache/internal/store"
)

// Кто запустил сброс всех вертикалей
type FlushTrigger int

const (
	FlushScheduled FlushTrigger = iota
	FlushManual
)

func (trigger FlushTrigger) String() string {
	if trigger == FlushManual {
		return "manual"
	}
	return "scheduled"
}

func (service *service) FlushVertical(ctx context.Context, verticalID int64) (model.FlushResult, error) {
	vertical, err := service.store.VerticalGet(ctx, verticalID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.FlushResult{}, ErrNotFound
		}
		return model.FlushResult{}, err
	}

	result, err := service.flushVertical(ctx, vertical)
	if err != nil {
		service.zaplog.Error("vertical flush failed",
			zap.Int64("vertical_id", vertical.ID),
			zap.String("vertical", vertical.Name),
			zap.Error(err))
		return model.FlushResult{}, err
	}
	return result, nil
}

func (service *service) flushVertical(ctx context.Context, vertical model.Vertical) (model.FlushResult, error) {
	result, err := service.flushScope(ctx, model.CacheScope{VerticalID: vertical.ID}, vertical.Name)
	result.VerticalID = vertical.ID
	return result, err
}

// Сброс кэша области одним постбеком. Идентичность постбека берётся из самой старой строки,
// кэш удаляется до отправки.
func (service *service) flushScope(ctx context.Context, scope model.CacheScope, name string) (result model.FlushResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	unlock := service.locks.lock(scope)
	defer unlock()

	result = model.FlushResult{Vertical: name, OfferID: scope.OfferID}

	cached, err := service.store.CacheGet(ctx, scope)
	if err != nil {
		return result, fmt.Errorf("cache get %s: %w", scope, err)
	}
	if len(cached) == 0 {
		result.Success = true
		result.Action = model.FlushActionNoCache
		return result, nil
	}

	var total int64
	for _, row := range cached {
		total += row.Amount
	}
	primary := cached[0]

	cleared, err := service.store.CacheClear(ctx, scope)
	if err != nil {
		return result, fmt.Errorf("cache clear %s: %w", scope, err)
	}

	entry := model.ConversionLog{
		ClickID:      primary.ClickID,
		OfferID:      primary.OfferID,
		CachedAmount: total,
		TotalSent:    total,
	}
	entry.Action = model.ActionAutoCacheFlush
	entry.Message = fmt.Sprintf("Auto-flushing %d cached conversions for vertical \"%s\". Total: $%s, Cleared %d entries.",
		len(cached), name, dollars(total), cleared)
	service.audit(ctx, entry)

	postback := service.firePostback(ctx, postbackclient.Postback{
		ClickID: primary.ClickID,
		OfferID: primary.OfferID,
		Amount:  total,
	})

	if postback.ok() {
		entry.Action = model.ActionAutoPostbackOK
		entry.Message = fmt.Sprintf("Auto-flush postback successful for vertical \"%s\". Amount: $%s, Response: %s",
			name, dollars(total), postback.response.Body)
	} else {
		entry.Action = model.ActionAutoPostbackFailed
		entry.Message = fmt.Sprintf("Auto-flush postback failed for vertical \"%s\". Amount: $%s, Error: %s",
			name, dollars(total), postback.errorText())
	}
	service.audit(ctx, entry)
	service.recordAttempt(ctx, postback, 0)

	result.Success = postback.ok()
	result.Action = model.FlushActionCacheFlushed
	result.ConversionsCount = len(cached)
	result.TotalAmount = total
	result.PostbackSuccess = postback.ok()
	return result, nil
}

// Сброс всех вертикалей и офферов без вертикали. Сбой одной области не прерывает обход
func (service *service) FlushAllVerticals(ctx context.Context, trigger FlushTrigger) (model.FlushSummary, error) {
	runID := uuid.NewString()
	clickID, action := "auto-flush", model.ActionDailyFlushCompleted
	if trigger == FlushManual {
		clickID, action = "admin-manual", model.ActionManualFlush
	}
	zaplog := service.zaplog.With(zap.String("flush_run", runID), zap.Stringer("trigger", trigger))

	verticals, err := service.store.VerticalList(ctx)
	if err != nil {
		service.flushAllFailed(ctx, zaplog, clickID, action, err)
		return model.FlushSummary{}, err
	}
	unassigned, err := service.store.OfferListUnassignedCached(ctx)
	if err != nil {
		service.flushAllFailed(ctx, zaplog, clickID, action, err)
		return model.FlushSummary{}, err
	}

	var summary model.FlushSummary
	collect := func(result model.FlushResult, err error) {
		if err != nil {
			zaplog.Error("flush failed", zap.String("vertical", result.Vertical), zap.Error(err))
			result.Success = false
			result.Error = err.Error()
		}
		summary.Results = append(summary.Results, result)
	}

	for _, vertical := range verticals {
		collect(service.flushVertical(ctx, vertical))
	}
	for _, offerID := range unassigned {
		collect(service.flushScope(ctx, model.CacheScope{OfferID: offerID}, "Unassigned: "+offerID))
	}

	summary.Processed = len(summary.Results)
	for _, result := range summary.Results {
		if result.Success {
			summary.Successful++
		}
		if result.Action == model.FlushActionCacheFlushed {
			summary.Flushed++
		}
	}

	message := fmt.Sprintf("%s cache flush completed. %d/%d verticals processed successfully. %d had cache to flush. Eastern Time: %s",
		flushTitle(trigger), summary.Successful, summary.Processed, summary.Flushed, service.easternTime())
	service.audit(ctx, model.ConversionLog{ClickID: clickID, Action: action, Message: message})
	zaplog.Info("cache flush completed",
		zap.Int("processed", summary.Processed),
		zap.Int("successful", summary.Successful),
		zap.Int("flushed", summary.Flushed))

	return summary, nil
}

func (service *service) flushAllFailed(ctx context.Context, zaplog *zap.Logger, clickID, action string, err error) {
	zaplog.Error("cache flush failed", zap.Error(err))
	service.audit(ctx, model.ConversionLog{
		ClickID: clickID,
		Action:  action + "_error",
		Message: "Cache flush failed: " + err.Error(),
	})
}

// Время последнего планового сброса; нулевое, если его не было
func (service *service) LastScheduledFlush(ctx context.Context) (time.Time, error) {
	last, err := service.store.LogGetLastTime(ctx, model.ActionDailyFlushCompleted)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return last, nil
}

func flushTitle(trigger FlushTrigger) string {
	if trigger == FlushManual {
		return "Manual"
	}
	return "Daily"
}

func (service *service) easternTime() string {
	now := service.now()
	if location, err := time.LoadLocation("America/New_York"); err == nil {
		now = now.In(location)
	}
	return now.Format("1/2/2006, 3:04:05 PM")
}
