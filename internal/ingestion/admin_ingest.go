package ingestion

import (
	"CoverLedger/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AdminIngestService provides manual command injection for operators,
// exposed through the HTTP admin endpoints. Not for high-throughput
// ingestion (use NATS for that).
type AdminIngestService struct {
	eventChan chan<- event.Event
}

func NewAdminIngestService(eventChan chan<- event.Event) *AdminIngestService {
	return &AdminIngestService{eventChan: eventChan}
}

func (s *AdminIngestService) send(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectDeposit manually injects a Deposit command.
func (s *AdminIngestService) InjectDeposit(
	ctx context.Context,
	holder common.Address,
	asset string,
	amount int64,
) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	now := time.Now()
	return s.send(ctx, &event.Deposit{
		RequestID: uuid.New(),
		From:      holder,
		Holder:    holder,
		Asset:     asset,
		Amount:    amount,
		Sequence:  now.UnixMicro(), // Admin-injected: use timestamp as sequence
		Timestamp: now.Unix(),
	})
}

// InjectWithdraw manually injects a Withdraw command. Amount 0 means
// "withdraw the maximum currently allowed".
func (s *AdminIngestService) InjectWithdraw(
	ctx context.Context,
	holder common.Address,
	amount int64,
) error {
	if amount < 0 {
		return fmt.Errorf("amount must be >= 0")
	}

	now := time.Now()
	return s.send(ctx, &event.Withdraw{
		RequestID: uuid.New(),
		Holder:    holder,
		Amount:    amount,
		Sequence:  now.UnixMicro(),
		Timestamp: now.Unix(),
	})
}

// InjectPremiumBatch manually injects a PremiumBatch command.
func (s *AdminIngestService) InjectPremiumBatch(
	ctx context.Context,
	collector common.Address,
	holders []common.Address,
	premiums []int64,
) error {
	if len(holders) != len(premiums) {
		return fmt.Errorf("holders and premiums must have equal length")
	}

	now := time.Now()
	return s.send(ctx, &event.PremiumBatch{
		RequestID: uuid.New(),
		Collector: collector,
		Holders:   holders,
		Premiums:  premiums,
		Sequence:  now.UnixMicro(),
		Timestamp: now.Unix(),
	})
}

// InjectPauseSet manually injects a PauseSet command.
func (s *AdminIngestService) InjectPauseSet(
	ctx context.Context,
	caller common.Address,
	paused bool,
) error {
	now := time.Now()
	return s.send(ctx, &event.PauseSet{
		RequestID: uuid.New(),
		Caller:    caller,
		Paused:    paused,
		Sequence:  now.UnixMicro(),
		Timestamp: now.Unix(),
	})
}

// InjectRiskParamUpdate manually injects a RiskParamUpdate command.
func (s *AdminIngestService) InjectRiskParamUpdate(
	ctx context.Context,
	caller common.Address,
	strategy string,
	maxCover, maxCoverPerStrategy int64,
) error {
	if strategy == "" {
		return fmt.Errorf("strategy must be set")
	}

	now := time.Now()
	return s.send(ctx, &event.RiskParamUpdate{
		Caller:              caller,
		StrategyName:        strategy,
		MaxCover:            maxCover,
		MaxCoverPerStrategy: maxCoverPerStrategy,
		EffectiveSeq:        now.UnixMicro(),
		Sequence:            now.UnixMicro(),
		Timestamp:           now.Unix(),
	})
}
