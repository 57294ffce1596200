package state

import "fmt"

/*
 * Some regional regulations require devices to monitor their time spent
 * transmitting. This module computes an indicator from:
 *   - The current TX duration reported over the last hour.
 *   - A maximum TX duration allowed (budget), defined for all transmissions,
 *     and also per channel.
 *   - Thresholds expressed as a percentage of the budgets, to define the
 *     transitions between levels.
 */

const DutyCycleLevelMax = 2

type DutyCycleCfg struct {
	BudgetMs      int   `yaml:"duty_cycle_budget,omitempty"`
	Threshold     []int `yaml:"duty_cycle_threshold,omitempty"`
	ChanBudgetMs  int   `yaml:"duty_chan_cycle_budget,omitempty"`
	ChanThreshold []int `yaml:"duty_cycle_chan_threshold,omitempty"`
}

func checkThresholds(name string, budget int, thresholds []int) error {
	if budget == 0 {
		if len(thresholds) > 0 {
			return fmt.Errorf("%s requires a budget", name)
		}
		return nil
	}
	if len(thresholds) != DutyCycleLevelMax {
		return fmt.Errorf("%s must define %d levels", name, DutyCycleLevelMax)
	}
	last := -1
	for i, t := range thresholds {
		if t < last {
			return fmt.Errorf("invalid %s[%d] = %d", name, i, t)
		}
		last = t
	}
	return nil
}

func (cfg *DutyCycleCfg) Check() error {
	if err := checkThresholds("duty_cycle_threshold", cfg.BudgetMs, cfg.Threshold); err != nil {
		return err
	}
	return checkThresholds("duty_cycle_chan_threshold", cfg.ChanBudgetMs, cfg.ChanThreshold)
}

// Level grades the transmit air time spent over the last hour against the
// configured budgets. 0 means unconstrained, DutyCycleLevelMax means the
// budget is exhausted.
func (cfg *DutyCycleCfg) Level(txDurationMs uint32, chanCount uint16) int {
	if cfg.BudgetMs == 0 && cfg.ChanBudgetMs == 0 {
		return 0
	}
	chanTxDurationMs := txDurationMs / uint32(chanCount)
	for i := 0; i < DutyCycleLevelMax; i++ {
		if (cfg.BudgetMs == 0 || txDurationMs < uint32(cfg.BudgetMs*cfg.Threshold[i]/100)) &&
			(cfg.ChanBudgetMs == 0 || chanTxDurationMs < uint32(cfg.ChanBudgetMs*cfg.ChanThreshold[i]/100)) {
			return i
		}
	}
	return DutyCycleLevelMax
}
