package types

// RejectReason 是风控拒单的机器可读原因码。
type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonStrategyDisabled RejectReason = "strategy-disabled"
	ReasonMaxTrades        RejectReason = "max-trades"
	ReasonSizingFloor      RejectReason = "sizing-floor"
	ReasonMaxPositions     RejectReason = "max-positions"
	ReasonMaxExposure      RejectReason = "max-exposure"
	ReasonCorrelation      RejectReason = "correlation"
	ReasonCircuitBreaker   RejectReason = "circuit-breaker"
	ReasonMarketHours      RejectReason = "market-hours"
)

// AllRejectReasons 用于预先注册指标与统计的顺序。
var AllRejectReasons = []RejectReason{
	ReasonStrategyDisabled,
	ReasonMaxTrades,
	ReasonSizingFloor,
	ReasonMaxPositions,
	ReasonMaxExposure,
	ReasonCorrelation,
	ReasonCircuitBreaker,
	ReasonMarketHours,
}
