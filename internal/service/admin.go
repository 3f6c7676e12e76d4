package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/store"
	"github.com/iurnickita/postbackcache/internal/validator"
)

const (
	defaultLogsLimit = 100
	maxLogsLimit     = 1000
)

type VerticalDetails struct {
	Vertical    model.Vertical
	Offers      []string
	Cached      []model.CachedConversion
	CachedTotal int64
}

// Офферы

func validateOffer(offer model.Offer) error {
	if offer.ID == "" {
		return ErrInsufficientData
	}
	if !validator.IsValidOfferID(offer.ID) {
		return fmt.Errorf("%w: offer id must be 1-50 alphanumeric characters, hyphens, or underscores", ErrUnprocessableEntity)
	}
	switch mode := offer.Mode.(type) {
	case model.SimpleMode:
	case model.AdvancedMode:
		if mode.TriggerAmount <= 0 {
			return fmt.Errorf("%w: trigger amount is required for advanced mode and must be greater than 0", ErrUnprocessableEntity)
		}
		if mode.LowEvent == "" {
			return fmt.Errorf("%w: low event type is required for advanced mode", ErrUnprocessableEntity)
		}
	default:
		return fmt.Errorf("%w: unknown offer mode", ErrUnprocessableEntity)
	}
	return nil
}

func describeOffer(offer model.Offer) string {
	description := fmt.Sprintf("%s (%s) - Mode: %s", offerTitle(offer), offer.ID, offer.Mode.ModeName())
	if mode, ok := offer.Mode.(model.AdvancedMode); ok {
		description += fmt.Sprintf(", Trigger: $%s, Low Event: %s, High Event: %s",
			model.FormatDecimal(mode.TriggerAmount), mode.LowEvent, mode.EventFor(mode.TriggerAmount))
	}
	return description
}

func (service *service) OfferCreate(ctx context.Context, offer model.Offer) error {
	if err := validateOffer(offer); err != nil {
		return err
	}

	err := service.store.OfferPost(ctx, offer)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return err
	}

	service.audit(ctx, model.ConversionLog{
		ClickID: "admin",
		OfferID: offer.ID,
		Action:  model.ActionOfferCreated,
		Message: "Admin created offer: " + describeOffer(offer),
	})
	return nil
}

func (service *service) OfferUpdate(ctx context.Context, offer model.Offer) error {
	if err := validateOffer(offer); err != nil {
		return err
	}

	err := service.store.OfferPut(ctx, offer)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	service.audit(ctx, model.ConversionLog{
		ClickID: "admin",
		OfferID: offer.ID,
		Action:  model.ActionOfferUpdated,
		Message: "Admin updated offer: " + describeOffer(offer),
	})
	return nil
}

func (service *service) OfferDelete(ctx context.Context, offerID string) error {
	if offerID == "" {
		return ErrInsufficientData
	}

	// Кэш удаляемого оффера не должен попасть в параллельный сброс
	offer, err := service.store.OfferGet(ctx, offerID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	unlock := service.locks.lock(offer.CacheScope())
	defer unlock()

	err = service.store.OfferDelete(ctx, offerID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	service.audit(ctx, model.ConversionLog{
		ClickID: "admin",
		OfferID: offerID,
		Action:  model.ActionOfferDeleted,
		Message: "Admin deleted offer: " + offerID,
	})
	return nil
}

func (service *service) OfferList(ctx context.Context) ([]model.Offer, error) {
	return service.store.OfferList(ctx)
}

func (service *service) OfferAssign(ctx context.Context, offerID string, verticalID int64) error {
	if offerID == "" || verticalID == 0 {
		return ErrInsufficientData
	}

	if _, err := service.store.OfferGet(ctx, offerID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if err := service.store.OfferAssign(ctx, offerID, verticalID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	service.audit(ctx, model.ConversionLog{
		ClickID: "admin",
		OfferID: offerID,
		Action:  model.ActionOfferVerticalAssignment,
		Message: fmt.Sprintf("Admin assigned offer %s to vertical ID %d", offerID, verticalID),
	})
	return nil
}

func (service *service) OfferUnassign(ctx context.Context, offerID string) error {
	if offerID == "" {
		return ErrInsufficientData
	}
	if err := service.store.OfferUnassign(ctx, offerID); err != nil {
		return err
	}

	service.audit(ctx, model.ConversionLog{
		ClickID: "admin",
		OfferID: offerID,
		Action:  model.ActionOfferVerticalAssignment,
		Message: fmt.Sprintf("Admin removed offer %s from its vertical", offerID),
	})
	return nil
}

// Вертикали

func (service *service) prepareVertical(vertical *model.Vertical) error {
	if vertical.Name == "" {
		return ErrInsufficientData
	}
	if vertical.PayoutThreshold == 0 {
		vertical.PayoutThreshold = service.cfg.DefaultThreshold
	}
	if vertical.PayoutThreshold < 0 {
		return fmt.Errorf("%w: payout threshold must be greater than 0", ErrUnprocessableEntity)
	}
	return nil
}

func (service *service) VerticalCreate(ctx context.Context, vertical model.Vertical) (int64, error) {
	if err := service.prepareVertical(&vertical); err != nil {
		return 0, err
	}

	id, err := service.store.VerticalPost(ctx, vertical)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}

	service.audit(ctx, model.ConversionLog{
		ClickID: "admin",
		Action:  model.ActionVerticalCreated,
		Message: fmt.Sprintf("Admin created vertical \"%s\" (ID %d), threshold %.2f", vertical.Name, id, vertical.PayoutThreshold),
	})
	return id, nil
}

func (service *service) VerticalUpdate(ctx context.Context, vertical model.Vertical) error {
	if vertical.ID == 0 {
		return ErrInsufficientData
	}
	if err := service.prepareVertical(&vertical); err != nil {
		return err
	}

	err := service.store.VerticalPut(ctx, vertical)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNoRows):
			return ErrNotFound
		case errors.Is(err, store.ErrAlreadyExists):
			return ErrAlreadyExists
		}
		return err
	}

	service.audit(ctx, model.ConversionLog{
		ClickID: "admin",
		Action:  model.ActionVerticalUpdated,
		Message: fmt.Sprintf("Admin updated vertical \"%s\" (ID %d), threshold %.2f", vertical.Name, vertical.ID, vertical.PayoutThreshold),
	})
	return nil
}

// Удаление вертикали отвязывает её офферы; их кэш остаётся и дальше сбрасывается по офферу
func (service *service) VerticalDelete(ctx context.Context, verticalID int64) error {
	unlock := service.locks.lock(model.CacheScope{VerticalID: verticalID})
	defer unlock()

	err := service.store.VerticalDelete(ctx, verticalID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	service.audit(ctx, model.ConversionLog{
		ClickID: "admin",
		Action:  model.ActionVerticalDeleted,
		Message: fmt.Sprintf("Admin deleted vertical ID %d", verticalID),
	})
	return nil
}

func (service *service) VerticalList(ctx context.Context) ([]model.Vertical, error) {
	return service.store.VerticalList(ctx)
}

func (service *service) VerticalDetails(ctx context.Context, verticalID int64) (VerticalDetails, error) {
	vertical, err := service.store.VerticalGet(ctx, verticalID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return VerticalDetails{}, ErrNotFound
		}
		return VerticalDetails{}, err
	}

	details := VerticalDetails{Vertical: vertical}
	scope := model.CacheScope{VerticalID: verticalID}
	if details.Offers, err = service.store.OfferListByVertical(ctx, verticalID); err != nil {
		return VerticalDetails{}, err
	}
	if details.Cached, err = service.store.CacheGet(ctx, scope); err != nil {
		return VerticalDetails{}, err
	}
	for _, row := range details.Cached {
		details.CachedTotal += row.Amount
	}
	return details, nil
}

// Ручная очистка кэша без постбека: одного оффера или всего кэша при пустом offerID
func (service *service) CacheClear(ctx context.Context, offerID string) (int64, error) {
	if offerID == "" {
		cleared, err := service.store.CacheClearAll(ctx)
		if err != nil {
			return 0, err
		}
		service.audit(ctx, model.ConversionLog{
			ClickID: "admin",
			Action:  model.ActionManualGlobalCacheClear,
			Message: fmt.Sprintf("Admin manually cleared ALL cached entries. Removed %d total entries from global cache.", cleared),
		})
		return cleared, nil
	}

	scope := model.CacheScope{OfferID: offerID}
	lockScope := scope
	if offer, err := service.store.OfferGet(ctx, offerID); err == nil {
		lockScope = offer.CacheScope()
	}
	unlock := service.locks.lock(lockScope)
	defer unlock()

	cleared, err := service.store.CacheClear(ctx, scope)
	if err != nil {
		return 0, err
	}
	service.audit(ctx, model.ConversionLog{
		ClickID: "admin",
		OfferID: offerID,
		Action:  model.ActionManualOfferCacheClear,
		Message: fmt.Sprintf("Admin manually cleared cached entries for offer %s. Removed %d entries.", offerID, cleared),
	})
	return cleared, nil
}

func (service *service) Stats(ctx context.Context) (model.Stats, error) {
	return service.store.StatsGet(ctx)
}

func (service *service) Logs(ctx context.Context, limit int) ([]model.ConversionLog, error) {
	if limit <= 0 {
		limit = defaultLogsLimit
	}
	if limit > maxLogsLimit {
		limit = maxLogsLimit
	}
	return service.store.LogGetRecent(ctx, limit)
}
