package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/service/postbackclient"
	"github.com/iurnickita/postbackcache/internal/store"
	"github.com/iurnickita/postbackcache/internal/validator"
)

// ProcessConversion решает судьбу входящей конверсии: отклонить, закэшировать или отправить постбек.
// Никогда не возвращает ошибку: любой сбой превращается в OutcomeSystemError.
func (service *service) ProcessConversion(ctx context.Context, conversion model.Conversion) (outcome model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = service.systemError(ctx, conversion, fmt.Errorf("panic: %v", r))
		}
	}()

	entry := conversionEntry(conversion)

	service.audit(ctx, entry.with(model.ActionRequestReceived,
		fmt.Sprintf("Request received: clickid=%s, offer_id=%s, sum=%s, param1=%s",
			conversion.ClickID, conversion.OfferID,
			model.FormatAmount(conversion.Amount), model.FormatDecimal(conversion.QualifyingValue))))

	// Проверка входных данных
	if !validator.IsValidClickID(conversion.ClickID) {
		service.audit(ctx, entry.with(model.ActionInvalidClickID,
			fmt.Sprintf("Invalid clickid format rejected: '%s' (must be 24 alphanumeric characters)", conversion.ClickID)))
		return model.OutcomeRejected
	}
	if !validator.IsValidOfferID(conversion.OfferID) {
		service.audit(ctx, entry.with(model.ActionInvalidOfferID,
			fmt.Sprintf("Invalid offer_id format rejected: '%s' (must be 1-50 alphanumeric characters, hyphens, or underscores)", conversion.OfferID)))
		return model.OutcomeRejected
	}
	if conversion.Amount <= 0 {
		service.audit(ctx, entry.with(model.ActionValidationFailed,
			fmt.Sprintf("Invalid sum value rejected: clickid=%s, offer_id=%s, sum=%s",
				conversion.ClickID, conversion.OfferID, model.FormatAmount(conversion.Amount))))
		return model.OutcomeRejected
	}
	if conversion.QualifyingValue <= 0 {
		service.audit(ctx, entry.with(model.ActionValidationFailed,
			fmt.Sprintf("Invalid param1 value rejected: clickid=%s, offer_id=%s, param1=%s",
				conversion.ClickID, conversion.OfferID, model.FormatDecimal(conversion.QualifyingValue))))
		return model.OutcomeRejected
	}

	offer, err := service.store.OfferGet(ctx, conversion.OfferID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return service.fireUnknown(ctx, conversion)
		}
		return service.systemError(ctx, conversion, err)
	}

	switch mode := offer.Mode.(type) {
	case model.AdvancedMode:
		return service.fireAdvanced(ctx, conversion, mode)
	case model.SimpleMode:
		outcome, err := service.accumulate(ctx, conversion, offer)
		if err != nil {
			return service.systemError(ctx, conversion, err)
		}
		return outcome
	default:
		return service.systemError(ctx, conversion, fmt.Errorf("offer %s: unsupported mode %T", offer.ID, offer.Mode))
	}
}

// Неизвестный оффер: постбек сразу, без кэша и порогов
func (service *service) fireUnknown(ctx context.Context, conversion model.Conversion) model.Outcome {
	entry := conversionEntry(conversion)
	entry.TotalSent = conversion.Amount
	entry.TriggerParam1 = conversion.QualifyingValue

	service.audit(ctx, entry.with(model.ActionUnknownOfferDirectFire,
		fmt.Sprintf("Unknown offer %s - firing postback directly without caching. Amount: $%s, param1: %s",
			conversion.OfferID, dollars(conversion.Amount), model.FormatDecimal(conversion.QualifyingValue))))

	result := service.firePostback(ctx, postbackclient.Postback{
		ClickID: conversion.ClickID,
		OfferID: conversion.OfferID,
		Amount:  conversion.Amount,
		Sub1:    model.FormatDecimal(conversion.QualifyingValue),
	})

	if result.ok() {
		service.audit(ctx, entry.with(model.ActionUnknownOfferPostbackOK,
			fmt.Sprintf("Direct postback successful for unknown offer %s. Amount: $%s, param1: %s, Response: %s",
				conversion.OfferID, dollars(conversion.Amount), model.FormatDecimal(conversion.QualifyingValue), result.response.Body)))
	} else {
		service.audit(ctx, entry.with(model.ActionUnknownOfferPostbackFailed,
			fmt.Sprintf("Direct postback failed for unknown offer %s. Amount: $%s, param1: %s, Error: %s",
				conversion.OfferID, dollars(conversion.Amount), model.FormatDecimal(conversion.QualifyingValue), result.errorText())))
	}
	service.recordAttempt(ctx, result, conversion.QualifyingValue)

	return pick(result.ok(), model.OutcomeFiredUnknown, model.OutcomeFiredUnknownFailed)
}

// Режим advanced: каждая конверсия уходит сразу, тип события по TriggerAmount
func (service *service) fireAdvanced(ctx context.Context, conversion model.Conversion, mode model.AdvancedMode) model.Outcome {
	eventType := mode.EventFor(conversion.QualifyingValue)
	level := "HIGH"
	if conversion.QualifyingValue < mode.TriggerAmount {
		level = "LOW"
	}

	entry := conversionEntry(conversion)
	entry.TotalSent = conversion.Amount
	entry.TriggerParam1 = conversion.QualifyingValue

	service.audit(ctx, entry.with(model.ActionAdvancedDirectFire,
		fmt.Sprintf("Advanced mode: Firing %s conversion directly. param1=%s, trigger=%s, event=%s, sum=$%s",
			level, model.FormatDecimal(conversion.QualifyingValue), model.FormatDecimal(mode.TriggerAmount),
			eventType, dollars(conversion.Amount))))

	result := service.firePostback(ctx, postbackclient.Postback{
		ClickID:   conversion.ClickID,
		OfferID:   conversion.OfferID,
		Amount:    conversion.Amount,
		Sub1:      model.FormatDecimal(conversion.QualifyingValue),
		EventType: &eventType,
	})

	if result.ok() {
		service.audit(ctx, entry.with(model.ActionAdvancedPostbackOK,
			fmt.Sprintf("Advanced mode postback successful. Event: %s, Amount: $%s, param1: %s, Response: %s",
				eventType, dollars(conversion.Amount), model.FormatDecimal(conversion.QualifyingValue), result.response.Body)))
	} else {
		service.audit(ctx, entry.with(model.ActionAdvancedPostbackFailed,
			fmt.Sprintf("Advanced mode postback failed. Event: %s, Amount: $%s, param1: %s, Error: %s",
				eventType, dollars(conversion.Amount), model.FormatDecimal(conversion.QualifyingValue), result.errorText())))
	}
	service.recordAttempt(ctx, result, conversion.QualifyingValue)

	return pick(result.ok(), model.OutcomeFiredAdvanced, model.OutcomeFiredAdvancedFailed)
}

// Простой режим: накопление в кэше вертикали до порога.
// Порог сравнивается с param1 текущей конверсии, а не с накопленными значениями.
func (service *service) accumulate(ctx context.Context, conversion model.Conversion, offer model.Offer) (model.Outcome, error) {
	scope := offer.CacheScope()
	unlock := service.locks.lock(scope)
	defer unlock()

	threshold := offer.PayoutThreshold(service.cfg.DefaultThreshold)
	verticalName := offer.VerticalName()

	cachedTotal, err := service.store.CacheSum(ctx, scope)
	if err != nil {
		return model.OutcomeSystemError, fmt.Errorf("cache sum %s: %w", scope, err)
	}

	entry := conversionEntry(conversion)
	entry.CachedAmount = cachedTotal
	service.audit(ctx, entry.with(model.ActionSimpleCacheLoaded,
		fmt.Sprintf("Simple mode offer: %s. Vertical \"%s\" cached sum: $%s, New sum: $%s, New param1: %s, Threshold: %.2f",
			offerTitle(offer), verticalName, dollars(cachedTotal), dollars(conversion.Amount),
			model.FormatDecimal(conversion.QualifyingValue), threshold)))

	// Ниже порога - в кэш
	if conversion.QualifyingValue < threshold {
		err = service.store.CachePost(ctx, model.CachedConversion{
			ClickID:         conversion.ClickID,
			OfferID:         conversion.OfferID,
			Amount:          conversion.Amount,
			QualifyingValue: conversion.QualifyingValue,
			CreatedAt:       service.now(),
		})
		if err != nil {
			return model.OutcomeSystemError, fmt.Errorf("cache post: %w", err)
		}

		newTotal, err := service.store.CacheSum(ctx, scope)
		if err != nil {
			return model.OutcomeSystemError, fmt.Errorf("cache sum %s: %w", scope, err)
		}

		entry.CachedAmount = newTotal
		service.audit(ctx, entry.with(model.ActionCachedConversion,
			fmt.Sprintf("Cached conversion (param1 %s < threshold %.2f). Cached sum: $%s, param1: %s. New vertical \"%s\" cached sum total: $%s",
				model.FormatDecimal(conversion.QualifyingValue), threshold, dollars(conversion.Amount),
				model.FormatDecimal(conversion.QualifyingValue), verticalName, dollars(newTotal))))
		return model.OutcomeCached, nil
	}

	// Порог достигнут: текущая сумма + весь кэш вертикали, sub1 - param1 текущей конверсии
	totalToSend := conversion.Amount + cachedTotal
	entry.TotalSent = totalToSend
	entry.TriggerParam1 = conversion.QualifyingValue

	offersInScope := []string{offer.ID}
	if scope.IsVertical() {
		offersInScope, err = service.store.OfferListByVertical(ctx, scope.VerticalID)
		if err != nil {
			return model.OutcomeSystemError, fmt.Errorf("offers of %s: %w", scope, err)
		}
	}

	service.audit(ctx, entry.with(model.ActionPreparingPostback,
		fmt.Sprintf("Preparing postback for offer %s (%s) in vertical \"%s\". Trigger: param1=%s >= threshold %.2f. Sending sum=$%s (current $%s + cached $%s), sub1=%s. Offers in vertical: %s",
			offer.ID, offerName(offer), verticalName, model.FormatDecimal(conversion.QualifyingValue), threshold,
			dollars(totalToSend), dollars(conversion.Amount), dollars(cachedTotal),
			model.FormatDecimal(conversion.QualifyingValue), strings.Join(offersInScope, ", "))))

	// Кэш очищается до отправки: при сбое отправки сумма остаётся только в истории постбеков
	if cachedTotal > 0 {
		cleared, err := service.store.CacheClear(ctx, scope)
		if err != nil {
			return model.OutcomeSystemError, fmt.Errorf("cache clear %s: %w", scope, err)
		}
		service.audit(ctx, entry.with(model.ActionVerticalCacheCleared,
			fmt.Sprintf("Vertical \"%s\" cache cleared before postback. Removed %d cached entries from ALL offers in vertical (%s). Total sum sent: $%s, trigger param1: %s",
				verticalName, cleared, strings.Join(offersInScope, ", "), dollars(totalToSend),
				model.FormatDecimal(conversion.QualifyingValue))))
	}

	result := service.firePostback(ctx, postbackclient.Postback{
		ClickID: conversion.ClickID,
		OfferID: conversion.OfferID,
		Amount:  totalToSend,
		Sub1:    model.FormatDecimal(conversion.QualifyingValue),
	})

	if result.ok() {
		service.audit(ctx, entry.with(model.ActionPostbackOK,
			fmt.Sprintf("Postback successful for offer %s (%s) in vertical \"%s\". Sum sent: $%s, sub1: %s. Response: %s",
				offer.ID, offerName(offer), verticalName, dollars(totalToSend),
				model.FormatDecimal(conversion.QualifyingValue), result.response.Body)))
	} else {
		service.audit(ctx, entry.with(model.ActionPostbackFailed,
			fmt.Sprintf("Error sending postback for offer %s (%s) in vertical \"%s\": %s",
				offer.ID, offerName(offer), verticalName, result.errorText())))
	}
	service.recordAttempt(ctx, result, conversion.QualifyingValue)

	return pick(result.ok(), model.OutcomeFiredThreshold, model.OutcomeFiredThresholdFailed), nil
}

func (service *service) systemError(ctx context.Context, conversion model.Conversion, err error) model.Outcome {
	service.zaplog.Error("conversion processing failed",
		zap.String("clickid", conversion.ClickID),
		zap.String("offer_id", conversion.OfferID),
		zap.Error(err))
	service.audit(ctx, model.ConversionLog{
		ClickID: conversion.ClickID,
		OfferID: conversion.OfferID,
		Action:  model.ActionSystemError,
		Message: "System error: " + err.Error(),
	})
	return model.OutcomeSystemError
}

type logEntry model.ConversionLog

func conversionEntry(conversion model.Conversion) logEntry {
	return logEntry{
		ClickID:        conversion.ClickID,
		OfferID:        conversion.OfferID,
		OriginalAmount: conversion.Amount,
		OriginalParam1: conversion.QualifyingValue,
	}
}

func (e logEntry) with(action, message string) model.ConversionLog {
	entry := model.ConversionLog(e)
	entry.Action = action
	entry.Message = message
	return entry
}

func pick(ok bool, success, failure model.Outcome) model.Outcome {
	if ok {
		return success
	}
	return failure
}

func dollars(cents int64) string {
	return fmt.Sprintf("%.2f", model.AmountToFloat(cents))
}

func offerTitle(offer model.Offer) string {
	if offer.Name != "" {
		return offer.Name
	}
	return offer.ID
}

func offerName(offer model.Offer) string {
	if offer.Name != "" {
		return offer.Name
	}
	return "No name"
}
