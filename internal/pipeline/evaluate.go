package pipeline

import (
	"context"
	"errors"
	"fmt"

	"tradegate/internal/logger"
	"tradegate/internal/market"
	"tradegate/internal/strategy"
	"tradegate/internal/types"

	"golang.org/x/sync/errgroup"
)

var ErrStrategyPanic = errors.New("strategy panicked")

// EvalError 封装单个策略评估的失败。
type EvalError struct {
	Strategy string
	Kind     types.SignalKind
	Err      error
}

func (e *EvalError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Strategy
	}
	return fmt.Sprintf("%s/%s: %s", e.Strategy, e.Kind, e.Err.Error())
}

func (e *EvalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// job 是一次待执行的评估；trade 非空表示平仓评估。
type job struct {
	strategy strategy.Strategy
	trade    *types.Trade
}

func (j job) kind() types.SignalKind {
	if j.trade != nil {
		return types.KindExit
	}
	return types.KindEntry
}

type outcome struct {
	job
	signal *types.Signal
	err    error
}

// evaluate 并发执行一组评估，结果按 jobs 的顺序返回。
// 单个策略失败只记录告警，不影响其它策略。
func (p *Pipeline) evaluate(ctx context.Context, snap market.Snapshot, jobs []job) ([]outcome, error) {
	out := make([]outcome, len(jobs))
	if len(jobs) == 0 {
		return out, nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	warnCh := make(chan *EvalError, len(jobs))
	for i, j := range jobs {
		i, j := i, j
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			res := runJob(snap, j)
			out[i] = res
			if res.err != nil {
				warnCh <- &EvalError{Strategy: j.strategy.ID(), Kind: j.kind(), Err: res.err}
			}
			return nil
		})
	}
	err := group.Wait()
	close(warnCh)
	for warn := range warnCh {
		logger.Warnf("[pipeline] %s %s", snap.Symbol, warn.Error())
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func runJob(snap market.Snapshot, j job) (res outcome) {
	res.job = j
	defer func() {
		if r := recover(); r != nil {
			res.signal = nil
			res.err = fmt.Errorf("%w: %v", ErrStrategyPanic, r)
		}
	}()
	var sig *types.Signal
	if j.trade != nil {
		sig = j.strategy.EvaluateExit(snap, *j.trade)
	} else {
		sig = j.strategy.EvaluateEntry(snap)
	}
	if sig == nil {
		return res
	}
	if err := strategy.CheckSignal(*sig); err != nil {
		res.err = err
		return res
	}
	res.signal = sig
	return res
}
