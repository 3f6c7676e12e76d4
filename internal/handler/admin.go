package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/service"
)

// Офферы

type OfferJSON struct {
	OfferID       string  `json:"offer_id"`
	Name          string  `json:"name"`
	Mode          string  `json:"mode"`
	TriggerAmount float64 `json:"trigger_amount,omitempty"`
	LowEventType  string  `json:"low_event_type,omitempty"`
	HighEventType string  `json:"high_event_type,omitempty"`
	VerticalID    int64   `json:"vertical_id,omitempty"`
	VerticalName  string  `json:"vertical_name,omitempty"`
}

func offerToJSON(offer model.Offer) OfferJSON {
	offerJSON := OfferJSON{
		OfferID:      offer.ID,
		Name:         offer.Name,
		Mode:         offer.Mode.ModeName(),
		VerticalName: offer.VerticalName(),
	}
	if offer.Vertical != nil {
		offerJSON.VerticalID = offer.Vertical.ID
	}
	if mode, ok := offer.Mode.(model.AdvancedMode); ok {
		offerJSON.TriggerAmount = mode.TriggerAmount
		offerJSON.LowEventType = mode.LowEvent
		offerJSON.HighEventType = mode.EventFor(mode.TriggerAmount)
	}
	return offerJSON
}

// Режим по умолчанию - simple; неизвестный режим остаётся nil и отклоняется сервисом
func offerFromJSON(offerJSON OfferJSON) model.Offer {
	offer := model.Offer{ID: offerJSON.OfferID, Name: offerJSON.Name}
	switch offerJSON.Mode {
	case "", model.ModeSimple:
		offer.Mode = model.SimpleMode{}
	case model.ModeAdvanced:
		offer.Mode = model.AdvancedMode{
			TriggerAmount: offerJSON.TriggerAmount,
			LowEvent:      offerJSON.LowEventType,
			HighEvent:     offerJSON.HighEventType,
		}
	}
	return offer
}

func (h *handler) GetOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.service.OfferList(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	offersJSON := make([]OfferJSON, 0, len(offers))
	for _, offer := range offers {
		offersJSON = append(offersJSON, offerToJSON(offer))
	}
	h.writeJSON(w, http.StatusOK, offersJSON)
}

func (h *handler) PostOffer(w http.ResponseWriter, r *http.Request) {
	var offerJSON OfferJSON
	if err := json.NewDecoder(r.Body).Decode(&offerJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.service.OfferCreate(r.Context(), offerFromJSON(offerJSON)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) PutOffer(w http.ResponseWriter, r *http.Request) {
	var offerJSON OfferJSON
	if err := json.NewDecoder(r.Body).Decode(&offerJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offerJSON.OfferID = r.PathValue("id")
	if err := h.service.OfferUpdate(r.Context(), offerFromJSON(offerJSON)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) DeleteOffer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.OfferDelete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type AssignJSONRequest struct {
	VerticalID int64 `json:"vertical_id"`
}

func (h *handler) PutOfferVertical(w http.ResponseWriter, r *http.Request) {
	var request AssignJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.service.OfferAssign(r.Context(), r.PathValue("id"), request.VerticalID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) DeleteOfferVertical(w http.ResponseWriter, r *http.Request) {
	if err := h.service.OfferUnassign(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Вертикали

type VerticalJSON struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	PayoutThreshold float64   `json:"payout_threshold"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

func verticalToJSON(vertical model.Vertical) VerticalJSON {
	return VerticalJSON{
		ID:              vertical.ID,
		Name:            vertical.Name,
		PayoutThreshold: vertical.PayoutThreshold,
		Description:     vertical.Description,
		CreatedAt:       vertical.CreatedAt,
		UpdatedAt:       vertical.UpdatedAt,
	}
}

func verticalFromJSON(verticalJSON VerticalJSON) model.Vertical {
	return model.Vertical{
		ID:              verticalJSON.ID,
		Name:            verticalJSON.Name,
		PayoutThreshold: verticalJSON.PayoutThreshold,
		Description:     verticalJSON.Description,
	}
}

func (h *handler) GetVerticals(w http.ResponseWriter, r *http.Request) {
	verticals, err := h.service.VerticalList(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	verticalsJSON := make([]VerticalJSON, 0, len(verticals))
	for _, vertical := range verticals {
		verticalsJSON = append(verticalsJSON, verticalToJSON(vertical))
	}
	h.writeJSON(w, http.StatusOK, verticalsJSON)
}

type PostVerticalJSONResponse struct {
	ID int64 `json:"id"`
}

func (h *handler) PostVertical(w http.ResponseWriter, r *http.Request) {
	var verticalJSON VerticalJSON
	if err := json.NewDecoder(r.Body).Decode(&verticalJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := h.service.VerticalCreate(r.Context(), verticalFromJSON(verticalJSON))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, PostVerticalJSONResponse{ID: id})
}

func (h *handler) PutVertical(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var verticalJSON VerticalJSON
	if err := json.NewDecoder(r.Body).Decode(&verticalJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	verticalJSON.ID = id
	if err := h.service.VerticalUpdate(r.Context(), verticalFromJSON(verticalJSON)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) DeleteVertical(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.VerticalDelete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type CachedConversionJSON struct {
	ID        int64     `json:"id"`
	ClickID   string    `json:"clickid"`
	OfferID   string    `json:"offer_id"`
	Amount    float64   `json:"amount"`
	Param1    float64   `json:"param1"`
	CreatedAt time.Time `json:"created_at"`
}

type VerticalDetailsJSONResponse struct {
	Vertical          VerticalJSON           `json:"vertical"`
	Offers            []string               `json:"offers"`
	CachedConversions []CachedConversionJSON `json:"cached_conversions"`
	CachedTotal       float64                `json:"cached_total"`
}

func (h *handler) GetVerticalDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	details, err := h.service.VerticalDetails(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := VerticalDetailsJSONResponse{
		Vertical:          verticalToJSON(details.Vertical),
		Offers:            append([]string{}, details.Offers...),
		CachedConversions: make([]CachedConversionJSON, 0, len(details.Cached)),
		CachedTotal:       model.AmountToFloat(details.CachedTotal),
	}
	for _, row := range details.Cached {
		response.CachedConversions = append(response.CachedConversions, CachedConversionJSON{
			ID:        row.ID,
			ClickID:   row.ClickID,
			OfferID:   row.OfferID,
			Amount:    model.AmountToFloat(row.Amount),
			Param1:    row.QualifyingValue,
			CreatedAt: row.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, response)
}

// Сброс кэша

type FlushResultJSON struct {
	Vertical         string  `json:"vertical"`
	VerticalID       int64   `json:"vertical_id,omitempty"`
	OfferID          string  `json:"offer_id,omitempty"`
	Success          bool    `json:"success"`
	Action           string  `json:"action,omitempty"`
	ConversionsCount int     `json:"conversions_count,omitempty"`
	TotalAmount      float64 `json:"total_amount,omitempty"`
	PostbackSuccess  bool    `json:"postback_success,omitempty"`
	Error            string  `json:"error,omitempty"`
}

func flushResultToJSON(result model.FlushResult) FlushResultJSON {
	return FlushResultJSON{
		Vertical:         result.Vertical,
		VerticalID:       result.VerticalID,
		OfferID:          result.OfferID,
		Success:          result.Success,
		Action:           result.Action,
		ConversionsCount: result.ConversionsCount,
		TotalAmount:      model.AmountToFloat(result.TotalAmount),
		PostbackSuccess:  result.PostbackSuccess,
		Error:            result.Error,
	}
}

func (h *handler) PostVerticalFlush(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := h.service.FlushVertical(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, flushResultToJSON(result))
}

type FlushSummaryJSONResponse struct {
	Processed  int               `json:"processed"`
	Successful int               `json:"successful"`
	Flushed    int               `json:"flushed"`
	Results    []FlushResultJSON `json:"results"`
}

func (h *handler) PostFlushAll(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.FlushAllVerticals(r.Context(), service.FlushManual)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response := FlushSummaryJSONResponse{
		Processed:  summary.Processed,
		Successful: summary.Successful,
		Flushed:    summary.Flushed,
		Results:    make([]FlushResultJSON, 0, len(summary.Results)),
	}
	for _, result := range summary.Results {
		response.Results = append(response.Results, flushResultToJSON(result))
	}
	h.writeJSON(w, http.StatusOK, response)
}

type ClearCacheJSONResponse struct {
	Cleared int64 `json:"cleared"`
}

// Без offer_id очищается весь кэш
func (h *handler) PostClearCache(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.service.CacheClear(r.Context(), r.URL.Query().Get("offer_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ClearCacheJSONResponse{Cleared: cleared})
}

// Статистика и журнал

type OfferStatsJSON struct {
	OfferID           string     `json:"offer_id"`
	Name              string     `json:"name"`
	Mode              string     `json:"mode"`
	VerticalID        int64      `json:"vertical_id,omitempty"`
	VerticalName      string     `json:"vertical_name"`
	CachedAmount      float64    `json:"cached_amount"`
	CachedConversions int        `json:"cached_conversions"`
	UniqueClickIDs    int        `json:"unique_clickids"`
	Postbacks         int        `json:"postbacks"`
	LastConversion    *time.Time `json:"last_conversion,omitempty"`
}

type VerticalStatsJSON struct {
	Vertical            VerticalJSON `json:"vertical"`
	Offers              int          `json:"offers"`
	CachedAmount        float64      `json:"cached_amount"`
	CachedConversions   int          `json:"cached_conversions"`
	UniqueClickIDs      int          `json:"unique_clickids"`
	Postbacks           int          `json:"postbacks"`
	SuccessfulPostbacks int          `json:"successful_postbacks"`
}

type StatsJSONResponse struct {
	GlobalCachedAmount  float64             `json:"global_cached_amount"`
	CachedConversions   int                 `json:"cached_conversions"`
	TotalPostbacks      int                 `json:"total_postbacks"`
	SuccessfulPostbacks int                 `json:"successful_postbacks"`
	Offers              []OfferStatsJSON    `json:"offers"`
	Verticals           []VerticalStatsJSON `json:"verticals"`
}

func (h *handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := StatsJSONResponse{
		GlobalCachedAmount:  model.AmountToFloat(stats.GlobalCachedAmount),
		CachedConversions:   stats.CachedConversions,
		TotalPostbacks:      stats.TotalPostbacks,
		SuccessfulPostbacks: stats.SuccessfulPostbacks,
		Offers:              make([]OfferStatsJSON, 0, len(stats.Offers)),
		Verticals:           make([]VerticalStatsJSON, 0, len(stats.Verticals)),
	}
	for _, offer := range stats.Offers {
		response.Offers = append(response.Offers, OfferStatsJSON{
			OfferID:           offer.OfferID,
			Name:              offer.Name,
			Mode:              offer.Mode,
			VerticalID:        offer.VerticalID,
			VerticalName:      offer.VerticalName,
			CachedAmount:      model.AmountToFloat(offer.CachedAmount),
			CachedConversions: offer.CachedConversions,
			UniqueClickIDs:    offer.UniqueClickIDs,
			Postbacks:         offer.Postbacks,
			LastConversion:    offer.LastConversion,
		})
	}
	for _, vertical := range stats.Verticals {
		response.Verticals = append(response.Verticals, VerticalStatsJSON{
			Vertical:            verticalToJSON(vertical.Vertical),
			Offers:              vertical.Offers,
			CachedAmount:        model.AmountToFloat(vertical.CachedAmount),
			CachedConversions:   vertical.CachedConversions,
			UniqueClickIDs:      vertical.UniqueClickIDs,
			Postbacks:           vertical.Postbacks,
			SuccessfulPostbacks: vertical.SuccessfulPostbacks,
		})
	}
	h.writeJSON(w, http.StatusOK, response)
}

type ConversionLogJSON struct {
	ID             int64     `json:"id"`
	ClickID        string    `json:"clickid"`
	OfferID        string    `json:"offer_id,omitempty"`
	OriginalAmount float64   `json:"original_amount"`
	OriginalParam1 float64   `json:"original_param1"`
	CachedAmount   float64   `json:"cached_amount"`
	TotalSent      float64   `json:"total_sent"`
	TriggerParam1  float64   `json:"trigger_param1"`
	Action         string    `json:"action"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil {
			http.Error(w, "limit must be a number", http.StatusBadRequest)
			return
		}
	}

	logs, err := h.service.Logs(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	logsJSON := make([]ConversionLogJSON, 0, len(logs))
	for _, entry := range logs {
		logsJSON = append(logsJSON, ConversionLogJSON{
			ID:             entry.ID,
			ClickID:        entry.ClickID,
			OfferID:        entry.OfferID,
			OriginalAmount: model.AmountToFloat(entry.OriginalAmount),
			OriginalParam1: entry.OriginalParam1,
			CachedAmount:   model.AmountToFloat(entry.CachedAmount),
			TotalSent:      model.AmountToFloat(entry.TotalSent),
			TriggerParam1:  entry.TriggerParam1,
			Action:         entry.Action,
			Message:        entry.Message,
			CreatedAt:      entry.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, logsJSON)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "vertical id must be a positive number", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
