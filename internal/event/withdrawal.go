package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Withdraw requests a withdrawal from a holder's account balance.
// Amount 0 means "withdraw the maximum currently allowed"; the core
// computes the withdrawable amount from the cooldown state and the
// minimum-required-balance floor.
type Withdraw struct {
	RequestID uuid.UUID
	Holder    common.Address
	Amount    int64
	Sequence  int64
	Timestamp int64
}

func (w *Withdraw) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *Withdraw) EventType() EventType {
	return EventTypeWithdraw
}

func (w *Withdraw) Strategy() *string {
	return nil
}

func (w *Withdraw) SourceSequence() int64 {
	return w.Sequence
}

// WithdrawMade is the derived confirmation with the amount actually paid out.
type WithdrawMade struct {
	ParentKey string
	Holder    common.Address
	Amount    int64
	Sequence  int64
	Timestamp int64
}

func (w *WithdrawMade) IdempotencyKey() string {
	return fmt.Sprintf("%s:made", w.ParentKey)
}

func (w *WithdrawMade) EventType() EventType {
	return EventTypeWithdrawMade
}

func (w *WithdrawMade) Strategy() *string {
	return nil
}

func (w *WithdrawMade) SourceSequence() int64 {
	return w.Sequence
}
