package strategy

import (
	"math"

	"tradegate/internal/types"

	"github.com/shopspring/decimal"
)

var (
	decOne      = decimal.NewFromInt(1)
	decimalZero = decimal.Zero
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }

// relativeTarget 按方向把入场价放大/缩小 pct，用于止盈价。
func relativeTarget(entry, pct float64, side types.Side) float64 {
	if entry <= 0 || pct <= 0 {
		return 0
	}
	factor := decOne.Add(decFromFloat(pct))
	if side == types.SideSell {
		factor = decOne.Sub(decFromFloat(pct))
	}
	return decToFloat(decFromFloat(entry).Mul(factor).Round(4))
}

// relativeStop 与 relativeTarget 方向相反。
func relativeStop(entry, pct float64, side types.Side) float64 {
	return relativeTarget(entry, pct, side.Opposite())
}

func hitStopLoss(side types.Side, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	if side == types.SideSell {
		return decimalGTE(price, stop)
	}
	return decimalLTE(price, stop)
}

func targetHit(side types.Side, price, target float64) bool {
	if price <= 0 || target <= 0 {
		return false
	}
	if side == types.SideSell {
		return decimalLTE(price, target)
	}
	return decimalGTE(price, target)
}
