package evmledger

import (
	"context"
	"errors"
	"strings"

	"github.com/TEENet-io/swap-go/escrow"
	"github.com/TEENet-io/swap-go/ledger"
)

// revert reason strings emitted by the escrow contract, mapped onto
// the shared state machine reject codes
var revertTable = map[string]escrow.RejectCode{
	"bad secret":          escrow.RejectBadSecret,
	"unauthorized":        escrow.RejectUnauthorized,
	"amount out of range": escrow.RejectAmountOutOfRange,
	"partial not allowed": escrow.RejectPartialNotAllowed,
	"expired":             escrow.RejectExpired,
	"too early":           escrow.RejectTooEarly,
	"nothing to refund":   escrow.RejectNothingToRefund,
	"terminal":            escrow.RejectTerminal,
	"zero amount":         escrow.RejectZeroAmount,
	"timelock in past":    escrow.RejectTimelockInPast,
	"unknown escrow":      escrow.RejectTerminal,
}

// classify maps raw go-ethereum / rpc failures into the adapter error
// taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var lerr *ledger.Error
	if errors.As(err, &lerr) {
		return err
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "execution reverted"):
		for reason, code := range revertTable {
			if strings.Contains(msg, reason) {
				return ledger.ContractReject(code, err)
			}
		}
		return ledger.ContractReject(escrow.RejectTerminal, err)
	case strings.Contains(msg, "insufficient funds"):
		return ledger.Classified(ledger.ClassInsufficientFunds, err)
	case strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "invalid signature"):
		return ledger.Classified(ledger.ClassInvalidSignature, err)
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return ledger.Classified(ledger.ClassNonceConflict, err)
	case strings.Contains(msg, "not found"):
		return ledger.Classified(ledger.ClassTxNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		return ledger.Classified(ledger.ClassConfirmationTimeout, err)
	default:
		// rpc timeouts, connection drops, mempool congestion
		return ledger.Transient(err)
	}
}
