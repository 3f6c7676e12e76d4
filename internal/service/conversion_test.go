package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/postbackcache/internal/model"
)

const (
	clickA = "AAAAAAAAAAAAAAAAAAAAAAA1"
	clickB = "BBBBBBBBBBBBBBBBBBBBBBB2"
	clickC = "CCCCCCCCCCCCCCCCCCCCCCC3"
)

func conversion(clickID, offerID string, amount, param1 float64) model.Conversion {
	return model.Conversion{
		ClickID:         clickID,
		OfferID:         offerID,
		Amount:          model.AmountFromFloat(amount),
		QualifyingValue: param1,
	}
}

func TestProcessConversionRejects(t *testing.T) {
	tests := []struct {
		name       string
		conversion model.Conversion
		action     string
	}{
		{"short clickid", conversion("abc", "O1", 5, 3), model.ActionInvalidClickID},
		{"hyphen in clickid", conversion("AAAAAAAAAAAAAAAAAAAAAAA-", "O1", 5, 3), model.ActionInvalidClickID},
		{"empty offer", conversion(clickA, "", 5, 3), model.ActionInvalidOfferID},
		{"bad offer chars", conversion(clickA, "offer.1", 5, 3), model.ActionInvalidOfferID},
		{"zero amount", conversion(clickA, "O1", 0, 3), model.ActionValidationFailed},
		{"negative amount", conversion(clickA, "O1", -1, 3), model.ActionValidationFailed},
		{"zero param1", conversion(clickA, "O1", 5, 0), model.ActionValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.store.OfferPost(context.Background(), model.Offer{ID: "O1", Mode: model.SimpleMode{}})

			outcome := env.service.ProcessConversion(context.Background(), tt.conversion)

			require.Equal(t, model.OutcomeRejected, outcome)
			require.Equal(t, []string{model.ActionRequestReceived, tt.action}, env.store.actions())
			require.Empty(t, env.postback.sent())
			require.Empty(t, env.store.cachedRows())
		})
	}
}

// Сценарий C: неизвестный оффер отправляется сразу с исходной суммой
func TestProcessConversionUnknownOffer(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	outcome := env.service.ProcessConversion(ctx, conversion(clickA, "ghost", 12.5, 7))

	require.Equal(t, model.OutcomeFiredUnknown, outcome)
	sent := env.postback.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "ghost", sent[0].OfferID)
	require.Equal(t, int64(1250), sent[0].Amount)
	require.Equal(t, "7", sent[0].Sub1)
	require.Nil(t, sent[0].EventType)
	require.Empty(t, env.store.cachedRows())
	require.Equal(t, []string{
		model.ActionRequestReceived,
		model.ActionUnknownOfferDirectFire,
		model.ActionUnknownOfferPostbackOK,
	}, env.store.actions())

	attempts := env.store.postbackAttempts()
	require.Len(t, attempts, 1)
	require.True(t, attempts[0].Success)
	require.Equal(t, testPostbackURL+"?clickid="+clickA+"&offer_id=ghost&sub1=7&sum=12.5", attempts[0].URL)

	// сбой трекера
	env.postback.err = errTrackerDown
	outcome = env.service.ProcessConversion(ctx, conversion(clickB, "ghost", 3, 1))
	require.Equal(t, model.OutcomeFiredUnknownFailed, outcome)
	attempts = env.store.postbackAttempts()
	require.Len(t, attempts, 2)
	require.False(t, attempts[1].Success)
	require.Equal(t, errTrackerDown.Error(), attempts[1].ErrorMessage)
}

// Сценарий B: advanced, тип события по порогу срабатывания
func TestProcessConversionAdvanced(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.store.OfferPost(ctx, model.Offer{
		ID:   "O2",
		Mode: model.AdvancedMode{TriggerAmount: 50, LowEvent: "CompleteRegistration"},
	}))

	require.Equal(t, model.OutcomeFiredAdvanced, env.service.ProcessConversion(ctx, conversion(clickA, "O2", 4, 20)))
	require.Equal(t, model.OutcomeFiredAdvanced, env.service.ProcessConversion(ctx, conversion(clickB, "O2", 40, 80)))

	sent := env.postback.sent()
	require.Len(t, sent, 2)
	require.Equal(t, "CompleteRegistration", *sent[0].EventType)
	require.Equal(t, int64(400), sent[0].Amount)
	require.Equal(t, "Purchase", *sent[1].EventType)
	require.Equal(t, int64(4000), sent[1].Amount)
	require.Empty(t, env.store.cachedRows())

	env.postback.err = errTrackerDown
	require.Equal(t, model.OutcomeFiredAdvancedFailed, env.service.ProcessConversion(ctx, conversion(clickC, "O2", 1, 50)))
	require.Len(t, env.postback.sent(), 3)
	require.Equal(t, "Purchase", *env.postback.sent()[2].EventType)
}

// Сценарий A: оффер без вертикали, порог по умолчанию 10
func TestProcessConversionSimpleUnassigned(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.store.OfferPost(ctx, model.Offer{ID: "O1", Mode: model.SimpleMode{}}))
	scope := model.CacheScope{OfferID: "O1"}

	require.Equal(t, model.OutcomeCached, env.service.ProcessConversion(ctx, conversion(clickA, "O1", 1.5, 3)))
	total, _ := env.store.CacheSum(ctx, scope)
	require.Equal(t, int64(150), total)

	require.Equal(t, model.OutcomeCached, env.service.ProcessConversion(ctx, conversion(clickB, "O1", 2.25, 4)))
	total, _ = env.store.CacheSum(ctx, scope)
	require.Equal(t, int64(375), total)
	require.Empty(t, env.postback.sent())

	require.Equal(t, model.OutcomeFiredThreshold, env.service.ProcessConversion(ctx, conversion(clickC, "O1", 20, 11)))

	sent := env.postback.sent()
	require.Len(t, sent, 1)
	require.Equal(t, clickC, sent[0].ClickID)
	require.Equal(t, int64(2375), sent[0].Amount)
	require.Equal(t, "11", sent[0].Sub1)
	total, _ = env.store.CacheSum(ctx, scope)
	require.Zero(t, total)

	actions := env.store.actions()
	require.Contains(t, actions, model.ActionCachedConversion)
	require.Contains(t, actions, model.ActionVerticalCacheCleared)
	require.Equal(t, model.ActionPostbackOK, actions[len(actions)-1])
}

// Сценарий D: сброс по порогу забирает кэш всех офферов вертикали
func TestProcessConversionSharedVertical(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	verticalID, err := env.store.VerticalPost(ctx, model.Vertical{Name: "Finance", PayoutThreshold: 10})
	require.NoError(t, err)
	for _, offerID := range []string{"A", "B", "C"} {
		require.NoError(t, env.store.OfferPost(ctx, model.Offer{ID: offerID, Mode: model.SimpleMode{}}))
	}
	require.NoError(t, env.store.OfferAssign(ctx, "A", verticalID))
	require.NoError(t, env.store.OfferAssign(ctx, "B", verticalID))

	require.Equal(t, model.OutcomeCached, env.service.ProcessConversion(ctx, conversion(clickA, "A", 5, 2)))
	require.Equal(t, model.OutcomeCached, env.service.ProcessConversion(ctx, conversion(clickB, "B", 3, 9.99)))
	// оффер вне вертикали копит отдельно
	require.Equal(t, model.OutcomeCached, env.service.ProcessConversion(ctx, conversion(clickC, "C", 7, 1)))

	require.Equal(t, model.OutcomeFiredThreshold, env.service.ProcessConversion(ctx, conversion(clickC, "A", 2, 10)))

	sent := env.postback.sent()
	require.Len(t, sent, 1)
	require.Equal(t, int64(1000), sent[0].Amount)
	require.Equal(t, "A", sent[0].OfferID)
	require.Equal(t, "10", sent[0].Sub1)

	rows := env.store.cachedRows()
	require.Len(t, rows, 1)
	require.Equal(t, "C", rows[0].OfferID)
}

func TestProcessConversionThresholdIsPerEvent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.store.OfferPost(ctx, model.Offer{ID: "O1", Mode: model.SimpleMode{}}))

	// param1 не накапливается: 9 + 9 + 9 ниже порога 10 каждая
	for _, clickID := range []string{clickA, clickB, clickC} {
		require.Equal(t, model.OutcomeCached, env.service.ProcessConversion(ctx, conversion(clickID, "O1", 100, 9)))
	}
	require.Empty(t, env.postback.sent())
	require.Len(t, env.store.cachedRows(), 3)
}

func TestProcessConversionVerticalThreshold(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	verticalID, _ := env.store.VerticalPost(ctx, model.Vertical{Name: "Health", PayoutThreshold: 50})
	env.store.OfferPost(ctx, model.Offer{ID: "O1", Mode: model.SimpleMode{}})
	env.store.OfferAssign(ctx, "O1", verticalID)

	require.Equal(t, model.OutcomeCached, env.service.ProcessConversion(ctx, conversion(clickA, "O1", 1, 49.99)))
	require.Equal(t, model.OutcomeFiredThreshold, env.service.ProcessConversion(ctx, conversion(clickB, "O1", 1, 50)))
	require.Equal(t, int64(200), env.postback.sent()[0].Amount)
}

// Кэш очищается до отправки: при сбое трекера повторной отправки нет
func TestProcessConversionThresholdPostbackFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.store.OfferPost(ctx, model.Offer{ID: "O1", Mode: model.SimpleMode{}})

	require.Equal(t, model.OutcomeCached, env.service.ProcessConversion(ctx, conversion(clickA, "O1", 5, 1)))
	env.postback.err = errTrackerDown
	require.Equal(t, model.OutcomeFiredThresholdFailed, env.service.ProcessConversion(ctx, conversion(clickB, "O1", 5, 15)))

	require.Empty(t, env.store.cachedRows())
	attempts := env.store.postbackAttempts()
	require.Len(t, attempts, 1)
	require.False(t, attempts[0].Success)
	require.Equal(t, int64(1000), attempts[0].Amount)
	require.Equal(t, 15.0, attempts[0].QualifyingValue)

	actions := env.store.actions()
	require.Equal(t, model.ActionPostbackFailed, actions[len(actions)-1])
}

func TestProcessConversionThresholdWithEmptyCache(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.store.OfferPost(ctx, model.Offer{ID: "O1", Mode: model.SimpleMode{}})

	require.Equal(t, model.OutcomeFiredThreshold, env.service.ProcessConversion(ctx, conversion(clickA, "O1", 5, 15)))
	require.Equal(t, int64(500), env.postback.sent()[0].Amount)
	require.NotContains(t, env.store.actions(), model.ActionVerticalCacheCleared)
}

func TestProcessConversionSystemError(t *testing.T) {
	ctx := context.Background()

	t.Run("offer lookup", func(t *testing.T) {
		env := newTestEnv()
		env.store.errOfferGet = errors.New("connection refused")

		outcome := env.service.ProcessConversion(ctx, conversion(clickA, "O1", 5, 1))

		require.Equal(t, model.OutcomeSystemError, outcome)
		require.Empty(t, env.postback.sent())
		logs, _ := env.store.LogGetRecent(ctx, 1)
		require.Equal(t, model.ActionSystemError, logs[0].Action)
		require.True(t, strings.Contains(logs[0].Message, "connection refused"))
	})

	t.Run("cache sum", func(t *testing.T) {
		env := newTestEnv()
		env.store.OfferPost(ctx, model.Offer{ID: "O1", Mode: model.SimpleMode{}})
		env.store.errCacheSum = errors.New("timeout")

		require.Equal(t, model.OutcomeSystemError, env.service.ProcessConversion(ctx, conversion(clickA, "O1", 5, 1)))
		require.Empty(t, env.store.cachedRows())
	})

	t.Run("panic", func(t *testing.T) {
		env := newTestEnv()
		env.store.panicOfferGet = true

		require.NotPanics(t, func() {
			require.Equal(t, model.OutcomeSystemError, env.service.ProcessConversion(ctx, conversion(clickA, "O1", 5, 1)))
		})
	})
}
