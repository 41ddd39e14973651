package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/health"
	"tradegate/internal/store"
	"tradegate/internal/types"

	"github.com/spf13/cobra"
)

var stateSince time.Duration

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print persisted positions, orders, breaker and strategy state",
	Long: `Reads the sqlite store directly; safe to run next to a live instance.

Examples:
  tradegate state
  tradegate state --since 72h`,
	RunE: runState,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.Flags().DurationVar(&stateSince, "since", 24*time.Hour, "Include trades closed within this window")
}

type persistedState struct {
	OpenTrades    []types.Trade          `json:"open_trades"`
	LiveOrders    []types.Order          `json:"live_orders"`
	ClosedTrades  []types.Trade          `json:"closed_trades"`
	RealizedPnL   float64                `json:"realized_pnl"`
	Breaker       *breaker.State         `json:"breaker,omitempty"`
	BreakerEvents []breaker.Event        `json:"breaker_events"`
	Strategies    []health.StrategyState `json:"strategies"`
}

func runState(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	var out persistedState
	if out.OpenTrades, err = st.OpenTrades(ctx); err != nil {
		return err
	}
	if out.LiveOrders, err = st.LiveOrders(ctx); err != nil {
		return err
	}
	if out.ClosedTrades, err = st.ClosedTrades(ctx, time.Now().Add(-stateSince), 200); err != nil {
		return err
	}
	if out.RealizedPnL, err = st.RealizedPnL(ctx); err != nil {
		return err
	}
	bs, ok, err := st.BreakerState(ctx)
	if err != nil {
		return err
	}
	if ok {
		out.Breaker = &bs
	}
	if out.BreakerEvents, err = st.BreakerEvents(ctx, 20); err != nil {
		return err
	}
	if out.Strategies, err = st.StrategyStates(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return nil
}
