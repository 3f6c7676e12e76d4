package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iurnickita/postbackcache/internal/auth"
	"github.com/iurnickita/postbackcache/internal/handler/config"
	"github.com/iurnickita/postbackcache/internal/logger"
	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Serve обслуживает HTTP до отмены ctx, затем завершает открытые запросы
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(cfg, auth, service, zaplog)
	defer h.loginLimiter.stop()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("server started", zap.String("addr", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	zaplog.Info("server stopped")
	return nil
}

type handler struct {
	auth         auth.Auth
	service      service.Service
	loginLimiter *rateLimiter
	zaplog       *zap.Logger
}

func newHandler(cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	loginRate, loginBurst := cfg.LoginRate, cfg.LoginBurst
	if loginRate <= 0 {
		loginRate = 0.2
	}
	if loginBurst <= 0 {
		loginBurst = 5
	}
	return &handler{
		auth:         auth,
		service:      service,
		loginLimiter: newRateLimiter(rate.Limit(loginRate), loginBurst),
		zaplog:       zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	// приём конверсий: любой метод, параметры в query
	mux.HandleFunc("/api/conversion", logger.RequestLogMdlw(h.Conversion, h.zaplog))

	mux.HandleFunc("POST /api/admin/login", logger.RequestLogMdlw(h.loginLimiter.Middleware(h.auth.Login), h.zaplog))
	mux.HandleFunc("POST /api/admin/logout", logger.RequestLogMdlw(h.auth.Logout, h.zaplog))

	admin := func(pattern string, hf http.HandlerFunc) {
		mux.HandleFunc(pattern, logger.RequestLogMdlw(h.auth.Middleware(hf), h.zaplog))
	}
	admin("GET /api/admin/offers", h.GetOffers)
	admin("POST /api/admin/offers", h.PostOffer)
	admin("PUT /api/admin/offers/{id}", h.PutOffer)
	admin("DELETE /api/admin/offers/{id}", h.DeleteOffer)
	admin("PUT /api/admin/offers/{id}/vertical", h.PutOfferVertical)
	admin("DELETE /api/admin/offers/{id}/vertical", h.DeleteOfferVertical)
	admin("GET /api/admin/verticals", h.GetVerticals)
	admin("POST /api/admin/verticals", h.PostVertical)
	admin("GET /api/admin/verticals/{id}", h.GetVerticalDetails)
	admin("PUT /api/admin/verticals/{id}", h.PutVertical)
	admin("DELETE /api/admin/verticals/{id}", h.DeleteVertical)
	admin("POST /api/admin/verticals/{id}/flush", h.PostVerticalFlush)
	admin("POST /api/admin/flush", h.PostFlushAll)
	admin("POST /api/admin/clear-cache", h.PostClearCache)
	admin("GET /api/admin/stats", h.GetStats)
	admin("GET /api/admin/logs", h.GetLogs)

	return mux
}

// Conversion отвечает всегда 200 и одним символом: 0 - отклонено, 1 - в кэше,
// 2 - постбек отправлен, 3 - постбек не прошёл, 4 - системная ошибка
func (h *handler) Conversion(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	conversion := model.Conversion{
		ClickID:         query.Get("clickid"),
		OfferID:         query.Get("offer_id"),
		Amount:          model.AmountFromFloat(model.ParseDecimal(query.Get("sum"))),
		QualifyingValue: model.ParseDecimal(query.Get("param1")),
	}

	// обработка доводится до конца, даже если вызывающий отключился
	outcome := h.service.ProcessConversion(context.WithoutCancel(r.Context()), conversion)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(outcomeCode(outcome)))
}

func outcomeCode(outcome model.Outcome) string {
	switch {
	case outcome == model.OutcomeRejected:
		return "0"
	case outcome == model.OutcomeCached:
		return "1"
	case outcome.Fired():
		return "2"
	case outcome.FiredFailed():
		return "3"
	default:
		return "4"
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, value any) {
	responseJSON, err := json.Marshal(value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientData):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrUnprocessableEntity):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.zaplog.Error("admin request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
