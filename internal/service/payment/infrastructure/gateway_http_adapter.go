// internal/service/payment/infrastructure/gateway_http_adapter.go
package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/payment/port"

	"github.com/shopspring/decimal"
)

// GatewayHTTPAdapter 通过 HTTP/JSON 调用外部支付网关
type GatewayHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewGatewayHTTPAdapter(client *httpclient.Client, baseURL string) *GatewayHTTPAdapter {
	return &GatewayHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type requestPaymentBody struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
	CallbackURL string `json:"callbackUrl"`
}

type requestPaymentResponse struct {
	Authority  string `json:"authority"`
	PaymentURL string `json:"paymentUrl"`
}

type verifyPaymentBody struct {
	Authority string `json:"authority"`
	Amount    string `json:"amount"`
}

type verifyPaymentResponse struct {
	IsVerified bool            `json:"isVerified"`
	RefID      string          `json:"refId"`
	CardPan    string          `json:"cardPan"`
	Fee        decimal.Decimal `json:"fee"`
	Message    string          `json:"message"`
}

func (a *GatewayHTTPAdapter) RequestPayment(ctx context.Context, amount decimal.Decimal, description, callbackURL string) (*port.PaymentRequest, error) {
	var resp requestPaymentResponse
	err := a.client.PostJSON(ctx, a.baseURL+"/request", requestPaymentBody{
		Amount:      amount.StringFixed(2),
		Description: description,
		CallbackURL: callbackURL,
	}, &resp)
	if err != nil {
		return nil, classify(err)
	}
	if resp.Authority == "" {
		return nil, fmt.Errorf("%w: gateway returned empty authority", apperr.ErrTransient)
	}
	return &port.PaymentRequest{Authority: resp.Authority, PaymentURL: resp.PaymentURL}, nil
}

func (a *GatewayHTTPAdapter) VerifyPayment(ctx context.Context, authority string, amount decimal.Decimal) (*port.Verification, error) {
	var resp verifyPaymentResponse
	err := a.client.PostJSON(ctx, a.baseURL+"/verify", verifyPaymentBody{
		Authority: authority,
		Amount:    amount.StringFixed(2),
	}, &resp)
	if err != nil {
		return nil, classify(err)
	}
	return &port.Verification{
		Verified: resp.IsVerified,
		RefID:    resp.RefID,
		CardPan:  resp.CardPan,
		Fee:      resp.Fee,
		Message:  resp.Message,
	}, nil
}

// classify 网关的超时、连接失败与 5xx 都视为瞬时故障
func classify(err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
		return fmt.Errorf("payment gateway rejected request: %w", err)
	}
	return fmt.Errorf("%w: payment gateway: %w", apperr.ErrTransient, err)
}
