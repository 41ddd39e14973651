package router

import (
	"errors"
	"fmt"

	"tradegate/internal/types"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrUnknownOrder      = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrTradeClosed       = errors.New("trade already closed")
)

// transitions 列出每个状态允许进入的下一个状态。
// unknown 只能通过对账离开；终态不再变化。
var transitions = map[types.OrderState][]types.OrderState{
	types.OrderPending: {
		types.OrderSubmitted, types.OrderRejected, types.OrderUnknown,
	},
	types.OrderSubmitted: {
		types.OrderPartiallyFilled, types.OrderFilled, types.OrderRejected, types.OrderCancelled,
	},
	types.OrderPartiallyFilled: {
		types.OrderPartiallyFilled, types.OrderFilled, types.OrderCancelled,
	},
	types.OrderUnknown: {
		types.OrderSubmitted, types.OrderPartiallyFilled, types.OrderFilled, types.OrderRejected, types.OrderCancelled,
	},
}

func canTransition(from, to types.OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition 校验并修改订单状态。
func transition(o *types.Order, to types.OrderState) error {
	if !canTransition(o.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, o.ClientOrderID, o.State, to)
	}
	o.State = to
	return nil
}

// IsLive 表示订单仍可能在交易场所产生成交。
func IsLive(s types.OrderState) bool {
	return !s.IsTerminal()
}
