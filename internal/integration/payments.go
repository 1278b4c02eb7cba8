package integration

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/verdant-pos/verdant/internal/rma"
)

// PaymentsClient completes cash refunds through the register service.
type PaymentsClient struct {
	jsonClient
}

// NewPaymentsClient constructs a client for baseURL.
func NewPaymentsClient(baseURL, apiKey string, timeout time.Duration) *PaymentsClient {
	return &PaymentsClient{jsonClient: newJSONClient("payments", baseURL, apiKey, timeout)}
}

var _ rma.PaymentsPort = (*PaymentsClient)(nil)

type cashRefundRequest struct {
	RMAID        string          `json:"rma_id"`
	RMANumber    string          `json:"rma_number"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Medium       string          `json:"medium"`
	RegisterID   string          `json:"register_id"`
	Notes        string          `json:"notes,omitempty"`
	OperatorID   string          `json:"operator_id"`
	OperatorName string          `json:"operator_name"`
}

type cashRefundResponse struct {
	RefundID      string          `json:"refund_id"`
	Amount        decimal.Decimal `json:"amount"`
	RegisterID    string          `json:"register_id"`
	ReceiptNumber string          `json:"receipt_number"`
	ProcessedAt   time.Time       `json:"processed_at"`
}

// CompleteCashRefund opens the drawer and records the payout.
func (c *PaymentsClient) CompleteCashRefund(ctx context.Context, req rma.CashRefundRequest) (rma.RefundRecord, error) {
	body := cashRefundRequest{
		RMAID:        req.RMAID,
		RMANumber:    req.RMANumber,
		Amount:       req.Amount,
		Currency:     "USD",
		Medium:       "cash",
		RegisterID:   req.RegisterID,
		Notes:        req.Notes,
		OperatorID:   strconv.FormatInt(req.Operator.ID, 10),
		OperatorName: req.Operator.Name,
	}
	var resp cashRefundResponse
	if err := c.post(ctx, "/v1/refunds/cash", "rma:"+req.RMAID+":refund", body, &resp); err != nil {
		return rma.RefundRecord{}, err
	}
	return rma.RefundRecord{
		Amount:        resp.Amount,
		RegisterID:    resp.RegisterID,
		Notes:         req.Notes,
		ProcessedBy:   req.Operator,
		ProcessedAt:   resp.ProcessedAt,
		ReceiptNumber: resp.ReceiptNumber,
	}, nil
}
