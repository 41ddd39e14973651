package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/health"
	"tradegate/internal/store"

	"github.com/spf13/cobra"
)

// 离线管理命令直接改写数据库；运行中的实例应改用 HTTP 控制接口，否则会被其内存状态覆盖。

var (
	adminOperator string
	adminNote     string
	adminAck      bool
)

var resetBreakerCmd = &cobra.Command{
	Use:   "reset-breaker",
	Short: "Reset a tripped circuit breaker in the store (instance must be stopped)",
	Long: `Resets the persisted circuit breaker to normal and records an audit event.
A monthly review trip also needs --ack.

Examples:
  tradegate reset-breaker --operator alice --note "reviewed losses"
  tradegate reset-breaker --operator alice --ack`,
	RunE: runResetBreaker,
}

var enableStrategyCmd = &cobra.Command{
	Use:   "enable-strategy <id>",
	Short: "Re-enable an auto-disabled strategy in the store (instance must be stopped)",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnableStrategy,
}

func init() {
	rootCmd.AddCommand(resetBreakerCmd, enableStrategyCmd)
	for _, c := range []*cobra.Command{resetBreakerCmd, enableStrategyCmd} {
		c.Flags().StringVar(&adminOperator, "operator", "", "Operator name recorded in the audit trail (required)")
	}
	resetBreakerCmd.Flags().StringVar(&adminNote, "note", "", "Free-form reset note")
	resetBreakerCmd.Flags().BoolVar(&adminAck, "ack", false, "Acknowledge a monthly review trip")
}

func runResetBreaker(cmd *cobra.Command, _ []string) error {
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

	state, ok, err := st.BreakerState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no persisted breaker state")
	}
	realized, err := st.RealizedPnL(ctx)
	if err != nil {
		return err
	}
	b := breaker.New(cfg.Breaker, nil)
	b.Restore(state)
	from := b.Level()
	if err := b.Reset(adminOperator, adminNote, adminAck, time.Now(), cfg.Account.Capital+realized); err != nil {
		return err
	}
	if from == breaker.LevelNormal {
		fmt.Println("breaker already normal")
		return nil
	}
	after := b.Snapshot()
	if err := st.SaveBreakerState(ctx, after); err != nil {
		return err
	}
	if n := len(after.History); n > 0 {
		if err := st.AppendBreakerEvent(ctx, after.History[n-1]); err != nil {
			return err
		}
	}
	fmt.Printf("breaker reset: %s -> normal\n", from)
	return nil
}

func runEnableStrategy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	id := strings.TrimSpace(args[0])
	if _, ok := cfg.Strategy(id); !ok {
		return fmt.Errorf("unknown strategy %q", id)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	states, err := st.StrategyStates(ctx)
	if err != nil {
		return err
	}
	m := health.New(cfg.Health, nil)
	m.Register(id)
	m.Restore(states)
	if err := m.Enable(id, adminOperator, time.Now()); err != nil {
		return err
	}
	updated, _ := m.State(id)
	if err := st.SaveStrategyState(ctx, updated); err != nil {
		return err
	}
	fmt.Printf("strategy %s enabled by %s\n", id, updated.EnabledBy)
	return nil
}
