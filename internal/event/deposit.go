package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Deposit credits a holder's account balance.
type Deposit struct {
	RequestID uuid.UUID
	From      common.Address
	Holder    common.Address
	Asset     string
	Amount    int64 // Fixed-point
	Sequence  int64
	Timestamp int64
}

func (d *Deposit) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) Strategy() *string {
	return nil // Global event
}

func (d *Deposit) SourceSequence() int64 {
	return d.Sequence
}

// DepositMade is the derived confirmation once funds are journaled.
type DepositMade struct {
	ParentKey string
	Holder    common.Address
	Amount    int64
	Sequence  int64
	Timestamp int64
}

func (d *DepositMade) IdempotencyKey() string {
	return fmt.Sprintf("%s:made", d.ParentKey)
}

func (d *DepositMade) EventType() EventType {
	return EventTypeDepositMade
}

func (d *DepositMade) Strategy() *string {
	return nil
}

func (d *DepositMade) SourceSequence() int64 {
	return d.Sequence
}
