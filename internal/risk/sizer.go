package risk

import (
	"github.com/shopspring/decimal"
)

// SizeInput 是一次仓位计算所需的全部输入。
type SizeInput struct {
	Capital         float64
	Price           float64
	StopLoss        float64
	Requested       int64
	SizingFraction  float64
	MaxRiskPerTrade float64
	MaxPositionSize float64
}

// SizeResult 记录每个约束给出的上限，便于日志与评估记录。
type SizeResult struct {
	Quantity int64
	Base     int64
	RiskCap  int64
	PosCap   int64
}

// Size 按整数股计算下单数量：请求量（或资金比例）被单笔风险与单仓上限截断。
// 结果小于 1 表示无法下单。
func Size(in SizeInput) SizeResult {
	price := decimal.NewFromFloat(in.Price)
	if !price.IsPositive() {
		return SizeResult{}
	}
	capital := decimal.NewFromFloat(in.Capital)

	var res SizeResult
	if in.Requested > 0 {
		res.Base = in.Requested
	} else {
		res.Base = floorShares(capital.Mul(decimal.NewFromFloat(in.SizingFraction)).Div(price))
	}
	res.Quantity = res.Base

	if in.MaxRiskPerTrade > 0 {
		dist := price.Sub(decimal.NewFromFloat(in.StopLoss)).Abs()
		if dist.IsZero() {
			return SizeResult{Base: res.Base}
		}
		res.RiskCap = floorShares(capital.Mul(decimal.NewFromFloat(in.MaxRiskPerTrade)).Div(dist))
		res.Quantity = min(res.Quantity, res.RiskCap)
	}
	if in.MaxPositionSize > 0 {
		res.PosCap = floorShares(capital.Mul(decimal.NewFromFloat(in.MaxPositionSize)).Div(price))
		res.Quantity = min(res.Quantity, res.PosCap)
	}
	if res.Quantity < 0 {
		res.Quantity = 0
	}
	return res
}

func floorShares(d decimal.Decimal) int64 {
	if d.IsNegative() {
		return 0
	}
	return d.Floor().IntPart()
}

// notional 使用 decimal 避免浮点累加误差。
func notional(qty int64, price float64) float64 {
	return decimal.NewFromInt(qty).Mul(decimal.NewFromFloat(price)).InexactFloat64()
}
