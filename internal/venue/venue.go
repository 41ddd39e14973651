package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradegate/internal/types"
)

var (
	// ErrOrderNotFound 表示交易场所从未收到该订单。
	ErrOrderNotFound = errors.New("order not found at venue")
	// ErrRejected 是硬拒单，重试没有意义。
	ErrRejected = errors.New("order rejected by venue")
	// ErrUnavailable 表示暂时不可用（网络错误、5xx、限流），可以用同一个 client id 重试。
	ErrUnavailable = errors.New("venue temporarily unavailable")
)

// RejectError 携带交易场所给出的拒单原因。
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order rejected by venue: %s", e.Reason)
}

func (e *RejectError) Is(target error) bool { return target == ErrRejected }

// Reject 构造一个硬拒单错误。
func Reject(reason string) error { return &RejectError{Reason: reason} }

// RejectReason 从错误链中取出拒单原因。
func RejectReason(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsRetryable 只有既不是拒单也不是"订单不存在"的错误才允许重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrRejected) && !errors.Is(err, ErrOrderNotFound)
}

// Request 是提交给交易场所的订单，ClientOrderID 是幂等键。
type Request struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	Type          types.OrderType `json:"type"`
	Quantity      int64           `json:"quantity"`
	LimitPrice    float64         `json:"limit_price,omitempty"`
	RefPrice      float64         `json:"ref_price,omitempty"`
	Tag           string          `json:"tag,omitempty"`
}

// RequestFromOrder 把内部订单转换为提交请求。
func RequestFromOrder(o types.Order) Request {
	return Request{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      o.Quantity,
		LimitPrice:    o.LimitPrice,
		RefPrice:      o.Price,
		Tag:           o.StrategyID,
	}
}

type Ack struct {
	ClientOrderID string    `json:"client_order_id"`
	VenueOrderID  string    `json:"venue_order_id"`
	AcceptedAt    time.Time `json:"accepted_at"`
}

type ReportKind string

const (
	ReportAccepted    ReportKind = "accepted"
	ReportPartialFill ReportKind = "partial_fill"
	ReportFill        ReportKind = "fill"
	ReportRejected    ReportKind = "rejected"
	ReportCancelled   ReportKind = "cancelled"
)

// Report 是一次执行回报；CumQty/AvgPrice 为累计值，重复投递可以幂等处理。
type Report struct {
	ExecID        string     `json:"exec_id"`
	ClientOrderID string     `json:"client_order_id"`
	VenueOrderID  string     `json:"venue_order_id,omitempty"`
	Kind          ReportKind `json:"kind"`
	LastQty       int64      `json:"last_qty,omitempty"`
	LastPrice     float64    `json:"last_price,omitempty"`
	CumQty        int64      `json:"cum_qty"`
	AvgPrice      float64    `json:"avg_price,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	At            time.Time  `json:"at"`
}

// Venue 是订单路由依赖的交易场所契约。
type Venue interface {
	Name() string
	Submit(ctx context.Context, req Request) (Ack, error)
	Cancel(ctx context.Context, clientOrderID string) error
	Query(ctx context.Context, clientOrderID string) (Report, error)
	Subscribe(fn func(Report))
}
