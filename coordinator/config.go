package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/swap-go/secret"
)

var (
	ErrTimelockOrdering = errors.New("timelock_b + safety_margin must be <= timelock_a")
	ErrZeroTimelock     = errors.New("timelocks must be positive")
	ErrZeroAmount       = errors.New("swap amounts must be positive")
	ErrMissingAddress   = errors.New("counterparty address missing")
)

// Config is validated once at startup; a violation here is a
// configuration error that never reaches runtime (exit code 2).
type Config struct {
	HashAlgo secret.Algo

	// informational ledger names carried into records and receipts
	LedgerNameA string
	LedgerNameB string

	// relative offsets applied to each ledger's own clock at order
	// creation time
	TimelockAMs uint64
	TimelockBMs uint64

	// bound on coordinator restart + worst-case ledger finality
	SafetyMarginMs uint64

	// minimum confirmations before an observed event is acted on
	ConfirmationsA uint64
	ConfirmationsB uint64

	PartialFills bool

	MaxRetries          uint64
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	// how often escrow B is observed while waiting on the counterparty
	PollInterval time.Duration

	// how long terminal orders are kept before GC
	OrderRetention time.Duration
}

func DefaultConfig(algo secret.Algo) *Config {
	return &Config{
		HashAlgo:            algo,
		LedgerNameA:         "ledger_a",
		LedgerNameB:         "ledger_b",
		TimelockAMs:         3_600_000,
		TimelockBMs:         1_800_000,
		SafetyMarginMs:      300_000,
		ConfirmationsA:      1,
		ConfirmationsB:      3,
		PartialFills:        false,
		MaxRetries:          5,
		RetryInitialBackoff: 500 * time.Millisecond,
		RetryMaxBackoff:     30 * time.Second,
		PollInterval:        5 * time.Second,
		OrderRetention:      24 * time.Hour,
	}
}

func (cfg *Config) Validate() error {
	if _, err := secret.NewGenerator(cfg.HashAlgo); err != nil {
		return err
	}
	if cfg.TimelockAMs == 0 || cfg.TimelockBMs == 0 {
		return ErrZeroTimelock
	}
	// the party who learns the secret first must have strictly less
	// time than the party who could refund prematurely
	if cfg.TimelockBMs+cfg.SafetyMarginMs > cfg.TimelockAMs {
		return fmt.Errorf("%w: b=%dms margin=%dms a=%dms",
			ErrTimelockOrdering, cfg.TimelockBMs, cfg.SafetyMarginMs, cfg.TimelockAMs)
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}
