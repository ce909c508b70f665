package ingest

import (
	"encoding/json"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainpulse/reputation-engine/pkg/models"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the ERC-20
// transfer event signature.
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// synthesizeTxEvent builds a WalletEvent from a confirmed transaction and its
// receipt. Callers have already established the transaction touches a
// monitored wallet.
func synthesizeTxEvent(tx *types.Transaction, sender common.Address, receipt *types.Receipt, blockTime uint64) *models.WalletEvent {
	ev := &models.WalletEvent{
		Hash:      tx.Hash().Hex(),
		From:      strings.ToLower(sender.Hex()),
		Value:     new(big.Int).Set(tx.Value()),
		Timestamp: int64(blockTime) * 1000,
		GasUsed:   receipt.GasUsed,
		Nonce:     tx.Nonce(),
		Status:    models.StatusSuccess,
		Input:     hexutil.Encode(tx.Data()),
		Position:  int(receipt.TransactionIndex),
	}
	if receipt.BlockNumber != nil {
		ev.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		ev.Status = models.StatusFailed
	}
	switch {
	case receipt.EffectiveGasPrice != nil:
		ev.GasPrice = new(big.Int).Set(receipt.EffectiveGasPrice)
	case tx.GasPrice() != nil:
		ev.GasPrice = new(big.Int).Set(tx.GasPrice())
	}

	switch {
	case tx.To() == nil:
		// Contract creation.
		ev.Kind = models.EventContractCall
		if receipt.ContractAddress != (common.Address{}) {
			ev.ContractAddress = strings.ToLower(receipt.ContractAddress.Hex())
		}
	case len(tx.Data()) >= 4:
		ev.Kind = models.EventContractCall
		ev.To = strings.ToLower(tx.To().Hex())
		ev.ContractAddress = ev.To
		ev.MethodSelector = hexutil.Encode(tx.Data()[:4])
	default:
		ev.Kind = models.EventTransfer
		ev.To = strings.ToLower(tx.To().Hex())
	}
	return ev
}

// tokenEventFromLog maps an ERC-20 Transfer log to a token_transfer event.
// Returns nil for anything that is not a well-formed Transfer.
func tokenEventFromLog(lg *types.Log, blockTime uint64) *models.WalletEvent {
	if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
		return nil
	}
	value := new(big.Int)
	if len(lg.Data) > 0 {
		value.SetBytes(lg.Data)
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes()[12:])
	to := common.BytesToAddress(lg.Topics[2].Bytes()[12:])
	return &models.WalletEvent{
		Kind:            models.EventTokenTransfer,
		Hash:            lg.TxHash.Hex(),
		From:            strings.ToLower(from.Hex()),
		To:              strings.ToLower(to.Hex()),
		Value:           new(big.Int),
		TokenValue:      value,
		ContractAddress: strings.ToLower(lg.Address.Hex()),
		BlockNumber:     lg.BlockNumber,
		Timestamp:       int64(blockTime) * 1000,
		Status:          models.StatusSuccess,
		LogIndex:        lg.Index,
	}
}

// pushRecord is one usable unit recovered from a stream payload: either a
// decoded log or a transaction hash to resolve.
type pushRecord struct {
	log    *types.Log
	txHash common.Hash
}

// decodePush maps a raw payload from the stream transport to records, trying
// the known shapes in order: a bare list of logs, an object wrapping logs,
// an object naming a transaction hash. Anything else is dropped.
func decodePush(raw json.RawMessage) []pushRecord {
	var logs []types.Log
	if err := json.Unmarshal(raw, &logs); err == nil && len(logs) > 0 {
		return logRecords(logs)
	}

	var wrapped struct {
		Logs []types.Log `json:"logs"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Logs) > 0 {
		return logRecords(wrapped.Logs)
	}

	var ref struct {
		TxHash common.Hash `json:"transactionHash"`
	}
	if err := json.Unmarshal(raw, &ref); err == nil && ref.TxHash != (common.Hash{}) {
		return []pushRecord{{txHash: ref.TxHash}}
	}
	return nil
}

func logRecords(logs []types.Log) []pushRecord {
	out := make([]pushRecord, 0, len(logs))
	for i := range logs {
		out = append(out, pushRecord{log: &logs[i]})
	}
	return out
}

// sortEvents orders a batch by block number, then log index. Delivery order
// to the coordinator is part of the ingester contract.
func sortEvents(evs []models.WalletEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].BlockNumber != evs[j].BlockNumber {
			return evs[i].BlockNumber < evs[j].BlockNumber
		}
		return evs[i].LogIndex < evs[j].LogIndex
	})
}

func wantKind(cfg models.MonitorConfig, kind models.EventKind) bool {
	switch kind {
	case models.EventTransfer:
		return cfg.IncludeNativeTransfers
	case models.EventTokenTransfer:
		return cfg.IncludeTokenTransfers
	default:
		return true
	}
}
