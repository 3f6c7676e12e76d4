package postbackclient

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/iurnickita/postbackcache/internal/model"
)

// Постбек в трекер
type Postback struct {
	ClickID string
	OfferID string
	Amount  int64
	// sub1; пустое значение не отправляется
	Sub1 string
	// type; только для advanced
	EventType *string
}

type Response struct {
	URL        string
	StatusCode int
	Body       string
}

type PostbackClient interface {
	// Ошибка - сетевой сбой, таймаут или ответ не 2xx. URL в ответе заполнен всегда
	Send(ctx context.Context, postback Postback) (Response, error)
}

type postbackClient struct {
	baseURL string
	client  *resty.Client
}

func NewPostbackClient(baseURL string, timeout time.Duration) PostbackClient {
	return &postbackClient{
		baseURL: baseURL,
		client:  resty.New().SetTimeout(timeout),
	}
}

func BuildURL(baseURL string, postback Postback) string {
	query := url.Values{}
	query.Set("clickid", postback.ClickID)
	query.Set("sum", model.FormatAmount(postback.Amount))
	query.Set("offer_id", postback.OfferID)
	if postback.Sub1 != "" {
		query.Set("sub1", postback.Sub1)
	}
	if postback.EventType != nil {
		query.Set("type", *postback.EventType)
	}
	return baseURL + "?" + query.Encode()
}

func (client *postbackClient) Send(ctx context.Context, postback Postback) (Response, error) {
	response := Response{URL: BuildURL(client.baseURL, postback)}

	resp, err := client.client.R().
		SetContext(ctx).
		Get(response.URL)
	if err != nil {
		return response, err
	}

	response.StatusCode = resp.StatusCode()
	response.Body = resp.String()
	if !resp.IsSuccess() {
		return response, fmt.Errorf("HTTP error! status: %d", resp.StatusCode())
	}
	return response, nil
}
