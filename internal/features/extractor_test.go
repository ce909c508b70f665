package features

import (
	"fmt"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/chainpulse/reputation-engine/pkg/models"
)

const wallet = "0xc188d7e186682502b0177bebe427828e8f5daf50"

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func mkEvent(i int, block uint64, ts time.Time, valueWei int64, status models.EventStatus) *models.WalletEvent {
	return &models.WalletEvent{
		Kind:        models.EventTransfer,
		Hash:        fmt.Sprintf("0x%064x", i),
		From:        wallet,
		To:          fmt.Sprintf("0x%040x", i),
		Value:       big.NewInt(valueWei),
		BlockNumber: block,
		Timestamp:   ts.UnixMilli(),
		GasUsed:     21000,
		Status:      status,
	}
}

func TestExtract_EmptyHistory(t *testing.T) {
	x := NewExtractor()
	fv, n := x.Extract(wallet, nil, nil, testNow)

	if n != 0 {
		t.Fatalf("Expected 0 events consumed, got %d", n)
	}
	if fv.TxCount != 0 {
		t.Errorf("Expected txCount 0, got %v", fv.TxCount)
	}
	if fv.AccountAgeDays != 0 {
		t.Errorf("Expected accountAgeDays 0 for empty history, got %v", fv.AccountAgeDays)
	}
	if fv.DaysSinceLastTx != 365 {
		t.Errorf("Expected daysSinceLastTx sentinel 365, got %v", fv.DaysSinceLastTx)
	}
}

func TestExtract_FailedEventsExcludedFromValueAggregates(t *testing.T) {
	// Two successful 1-native transfers and one failed 100-native transfer:
	// the failure must only surface in failedTxCount.
	one := int64(1_000_000_000_000_000_000)
	events := []*models.WalletEvent{
		mkEvent(1, 100, testNow.Add(-48*time.Hour), one, models.StatusSuccess),
		mkEvent(2, 110, testNow.Add(-24*time.Hour), one, models.StatusSuccess),
		mkEvent(3, 120, testNow.Add(-12*time.Hour), 100*one, models.StatusFailed),
	}

	x := NewExtractor()
	fv, n := x.Extract(wallet, events, nil, testNow)

	if n != 3 {
		t.Fatalf("Expected 3 events consumed, got %d", n)
	}
	if fv.FailedTxCount != 1 {
		t.Errorf("Expected failedTxCount 1, got %v", fv.FailedTxCount)
	}
	if math.Abs(fv.TotalVolume-2.0) > 1e-9 {
		t.Errorf("Expected totalVolume 2.0 (failed excluded), got %v", fv.TotalVolume)
	}
	if math.Abs(fv.MaxValue-1.0) > 1e-9 {
		t.Errorf("Expected maxValue 1.0 (failed excluded), got %v", fv.MaxValue)
	}
	if fv.TxCount != 3 {
		t.Errorf("Expected txCount 3 (failed still counted), got %v", fv.TxCount)
	}
}

func TestExtract_CounterpartiesExcludeSelf(t *testing.T) {
	events := []*models.WalletEvent{
		mkEvent(1, 100, testNow.Add(-3*time.Hour), 1, models.StatusSuccess),
		mkEvent(2, 101, testNow.Add(-2*time.Hour), 1, models.StatusSuccess),
	}
	// Self-transfer: both sides are the monitored wallet.
	events = append(events, &models.WalletEvent{
		Kind: models.EventTransfer, Hash: "0xself", From: wallet, To: wallet,
		Value: big.NewInt(1), BlockNumber: 102,
		Timestamp: testNow.Add(-1 * time.Hour).UnixMilli(), Status: models.StatusSuccess,
	})

	x := NewExtractor()
	fv, _ := x.Extract(wallet, events, nil, testNow)

	if fv.UniqueCounterparties != 2 {
		t.Errorf("Expected 2 unique counterparties (self excluded), got %v", fv.UniqueCounterparties)
	}
}

func TestExtract_ContractInteractions(t *testing.T) {
	callData := "0xa9059cbb000000000000000000000000"
	events := []*models.WalletEvent{
		mkEvent(1, 100, testNow.Add(-3*time.Hour), 1, models.StatusSuccess),
	}
	events[0].Input = callData // > 4 bytes of calldata

	withContract := mkEvent(2, 101, testNow.Add(-2*time.Hour), 1, models.StatusSuccess)
	withContract.ContractAddress = "0x000000000000000000000000000000000000dead"
	events = append(events, withContract)

	plain := mkEvent(3, 102, testNow.Add(-1*time.Hour), 1, models.StatusSuccess)
	events = append(events, plain)

	x := NewExtractor()
	fv, _ := x.Extract(wallet, events, nil, testNow)

	if fv.ContractInteractions != 2 {
		t.Errorf("Expected 2 contract interactions, got %v", fv.ContractInteractions)
	}
}

func TestExtract_ValueConcentration(t *testing.T) {
	one := int64(1_000_000_000_000_000_000)
	events := []*models.WalletEvent{
		mkEvent(1, 100, testNow.Add(-3*time.Hour), one, models.StatusSuccess),
		mkEvent(2, 101, testNow.Add(-2*time.Hour), 3*one, models.StatusSuccess),
	}

	x := NewExtractor()
	fv, _ := x.Extract(wallet, events, nil, testNow)

	// avg = 2, max = 3 → concentration = 2/3
	if math.Abs(fv.ValueConcentration-2.0/3.0) > 1e-9 {
		t.Errorf("Expected valueConcentration 0.667, got %v", fv.ValueConcentration)
	}
}

func TestExtract_ActivityConsistency(t *testing.T) {
	// Perfectly regular one-hour spacing → variance 0 → consistency 1.
	var regular []*models.WalletEvent
	for i := 0; i < 10; i++ {
		regular = append(regular, mkEvent(i, uint64(100+i), testNow.Add(-time.Duration(10-i)*time.Hour), 1, models.StatusSuccess))
	}
	x := NewExtractor()
	fv, _ := x.Extract(wallet, regular, nil, testNow)
	if math.Abs(fv.ActivityConsistency-1.0) > 1e-9 {
		t.Errorf("Expected consistency 1.0 for regular spacing, got %v", fv.ActivityConsistency)
	}

	// A single event carries no spacing signal.
	x2 := NewExtractor()
	fv2, _ := x2.Extract(wallet, regular[:1], nil, testNow)
	if fv2.ActivityConsistency != 0 {
		t.Errorf("Expected consistency 0 for single event, got %v", fv2.ActivityConsistency)
	}
}

func TestExtract_HourEntropy(t *testing.T) {
	// 24 events spread across every hour of the day → entropy 1.
	base := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	var spread []*models.WalletEvent
	for h := 0; h < 24; h++ {
		spread = append(spread, mkEvent(h, uint64(100+h), base.Add(time.Duration(h)*time.Hour), 1, models.StatusSuccess))
	}
	x := NewExtractor()
	fv, _ := x.Extract(wallet, spread, nil, testNow)
	if math.Abs(fv.TimeDistribution-1.0) > 1e-9 {
		t.Errorf("Expected timeDistribution 1.0 for uniform spread, got %v", fv.TimeDistribution)
	}

	// All events in the same hour → entropy 0.
	var burst []*models.WalletEvent
	for i := 0; i < 10; i++ {
		burst = append(burst, mkEvent(100+i, uint64(200+i), base.Add(time.Duration(i)*time.Minute), 1, models.StatusSuccess))
	}
	x2 := NewExtractor()
	fv2, _ := x2.Extract(wallet, burst, nil, testNow)
	if fv2.TimeDistribution != 0 {
		t.Errorf("Expected timeDistribution 0 for single-hour burst, got %v", fv2.TimeDistribution)
	}
}

func TestExtract_ClipsAccountAge(t *testing.T) {
	// A 10-year-old first event must clip to the 5-year maximum.
	old := mkEvent(1, 1, testNow.Add(-10*365*24*time.Hour), 1, models.StatusSuccess)
	x := NewExtractor()
	fv, _ := x.Extract(wallet, []*models.WalletEvent{old}, nil, testNow)
	if fv.AccountAgeDays != 1825 {
		t.Errorf("Expected accountAgeDays clipped to 1825, got %v", fv.AccountAgeDays)
	}
}

func TestExtract_HistoryCapEvictsOldest(t *testing.T) {
	// Insert MaxHistory+1 events; the extractor must retain exactly the
	// newest MaxHistory.
	x := NewExtractor()
	var batch []*models.WalletEvent
	for i := 0; i <= MaxHistory; i++ {
		batch = append(batch, mkEvent(i, uint64(i+1), testNow.Add(-time.Duration(MaxHistory-i)*time.Minute), 1, models.StatusSuccess))
	}
	_, n := x.Extract(wallet, batch, nil, testNow)

	if n != MaxHistory {
		t.Fatalf("Expected %d events after eviction, got %d", MaxHistory, n)
	}
	if x.HistorySize(wallet) != MaxHistory {
		t.Errorf("Expected history size %d, got %d", MaxHistory, x.HistorySize(wallet))
	}
}

func TestExtract_Deterministic(t *testing.T) {
	one := int64(1_000_000_000_000_000_000)
	build := func() []*models.WalletEvent {
		return []*models.WalletEvent{
			mkEvent(1, 100, testNow.Add(-72*time.Hour), one, models.StatusSuccess),
			mkEvent(2, 110, testNow.Add(-48*time.Hour), 2*one, models.StatusSuccess),
			mkEvent(3, 120, testNow.Add(-24*time.Hour), 3*one, models.StatusFailed),
		}
	}

	a, _ := NewExtractor().Extract(wallet, build(), big.NewInt(one), testNow)
	b, _ := NewExtractor().Extract(wallet, build(), big.NewInt(one), testNow)

	if a != b {
		t.Errorf("Same inputs produced different vectors:\n%+v\n%+v", a, b)
	}
}

func TestForget_DropsHistory(t *testing.T) {
	x := NewExtractor()
	x.Ingest(wallet, []*models.WalletEvent{mkEvent(1, 100, testNow, 1, models.StatusSuccess)})
	if x.HistorySize(wallet) != 1 {
		t.Fatalf("Expected 1 event in history, got %d", x.HistorySize(wallet))
	}
	x.Forget(wallet)
	if x.HistorySize(wallet) != 0 {
		t.Errorf("Expected empty history after Forget, got %d", x.HistorySize(wallet))
	}
}
