package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/reputation-engine/internal/chain"
	"github.com/chainpulse/reputation-engine/internal/codec"
	"github.com/chainpulse/reputation-engine/pkg/models"
)

// Confirmations is how many blocks must build on a registry write before it
// counts as final.
const Confirmations = 2

const (
	fallbackGasLimit = 500_000
	receiptTimeout   = 90 * time.Second
)

var (
	// ErrNotConfigured is returned by callers holding no registry instance.
	ErrNotConfigured = errors.New("flag registry not configured")

	// ErrReadOnly indicates a write was attempted without a signer key.
	ErrReadOnly = errors.New("flag registry has no signer configured")

	// ErrAlreadyFlagged maps the contract's duplicate-flag revert. Callers
	// treat it as idempotent success.
	ErrAlreadyFlagged = errors.New("wallet already flagged on-chain")
)

// flagContractABI is the reputation flag contract surface. The contract
// derives the stored risk level from the submitted score; updateRiskLevel
// exists for out-of-band corrections.
const flagContractABI = `[
  {"type":"function","name":"flagWallet","stateMutability":"nonpayable","inputs":[{"name":"wallet","type":"address"},{"name":"reputationScore","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"unflagWallet","stateMutability":"nonpayable","inputs":[{"name":"wallet","type":"address"}],"outputs":[]},
  {"type":"function","name":"updateRiskLevel","stateMutability":"nonpayable","inputs":[{"name":"wallet","type":"address"},{"name":"riskLevel","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"isWalletFlagged","stateMutability":"view","inputs":[{"name":"wallet","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getWalletFlag","stateMutability":"view","inputs":[{"name":"wallet","type":"address"}],"outputs":[{"name":"isFlagged","type":"bool"},{"name":"riskLevel","type":"uint8"},{"name":"reputationScore","type":"uint256"},{"name":"flaggedAt","type":"uint256"},{"name":"expiresAt","type":"uint256"},{"name":"flaggedBy","type":"address"},{"name":"reason","type":"string"}]},
  {"type":"function","name":"getAllFlaggedWallets","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"getActiveFlaggedCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"WalletFlagged","anonymous":false,"inputs":[{"name":"wallet","type":"address","indexed":true},{"name":"riskLevel","type":"uint8","indexed":false},{"name":"reputationScore","type":"uint256","indexed":false},{"name":"expiresAt","type":"uint256","indexed":false}]},
  {"type":"event","name":"WalletUnflagged","anonymous":false,"inputs":[{"name":"wallet","type":"address","indexed":true}]},
  {"type":"event","name":"RiskLevelUpdated","anonymous":false,"inputs":[{"name":"wallet","type":"address","indexed":true},{"name":"riskLevel","type":"uint8","indexed":false}]}
]`

// caller is the slice of the chain client the registry needs. Narrowed to an
// interface so tests can substitute a canned transport.
type caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	FeeData(ctx context.Context) (*chain.FeeData, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64, timeout time.Duration) (*types.Receipt, error)
	ChainID() *big.Int
}

// Registry wraps the on-chain flag contract. Reads work with any instance;
// writes require a signer key and otherwise fail with ErrReadOnly.
type Registry struct {
	log     logrus.FieldLogger
	chain   caller
	address common.Address
	abi     abi.ABI

	key  *ecdsa.PrivateKey
	from common.Address
}

// WriteResult is the outcome of a registry write.
type WriteResult struct {
	OK     bool   `json:"ok"`
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// New builds a registry client for the contract at contractAddr. An empty
// privateKeyHex yields a read-only client.
func New(log *logrus.Logger, chainClient *chain.Client, contractAddr, privateKeyHex string) (*Registry, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddr)
	}
	parsed, err := abi.JSON(strings.NewReader(flagContractABI))
	if err != nil {
		return nil, fmt.Errorf("parse flag contract abi: %w", err)
	}

	r := &Registry{
		log:     log.WithField("component", "registry"),
		chain:   chainClient,
		address: common.HexToAddress(contractAddr),
		abi:     parsed,
	}
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(privateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		r.key = key
		r.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return r, nil
}

// Address returns the contract address in canonical lowercase form.
func (r *Registry) Address() string {
	return strings.ToLower(r.address.Hex())
}

// CanWrite reports whether a signer key is configured.
func (r *Registry) CanWrite() bool { return r.key != nil }

// Signer returns the flagging account, or "" for read-only clients.
func (r *Registry) Signer() string {
	if r.key == nil {
		return ""
	}
	return strings.ToLower(r.from.Hex())
}

// --- Reads ---

// IsFlagged reports whether the contract currently considers the wallet
// flagged. Expiry is the contract's own view logic.
func (r *Registry) IsFlagged(ctx context.Context, wallet string) (bool, error) {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return false, err
	}
	values, err := r.call(ctx, "isWalletFlagged", common.HexToAddress(canonical))
	if err != nil {
		return false, err
	}
	flagged, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isWalletFlagged: unexpected output %T", values[0])
	}
	return flagged, nil
}

// GetFlag returns the wallet's flag record, or nil if the wallet has never
// been flagged. Expired or lifted flags come back with IsFlagged false.
func (r *Registry) GetFlag(ctx context.Context, wallet string) (*models.WalletFlag, error) {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return nil, err
	}
	values, err := r.call(ctx, "getWalletFlag", common.HexToAddress(canonical))
	if err != nil {
		return nil, err
	}
	if len(values) != 7 {
		return nil, fmt.Errorf("getWalletFlag: expected 7 outputs, got %d", len(values))
	}

	isFlagged, ok0 := values[0].(bool)
	riskCode, ok1 := values[1].(uint8)
	score, ok2 := values[2].(*big.Int)
	flaggedAt, ok3 := values[3].(*big.Int)
	expiresAt, ok4 := values[4].(*big.Int)
	flaggedBy, ok5 := values[5].(common.Address)
	reason, ok6 := values[6].(string)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, errors.New("getWalletFlag: unexpected output shape")
	}

	if !isFlagged && flaggedAt.Sign() == 0 {
		return nil, nil // never flagged
	}
	return &models.WalletFlag{
		Wallet:          canonical,
		IsFlagged:       isFlagged,
		RiskLevel:       models.RiskLevelFromChain(riskCode),
		ReputationScore: score.Uint64(),
		FlaggedAt:       flaggedAt.Int64(),
		ExpiresAt:       expiresAt.Int64(),
		FlaggedBy:       strings.ToLower(flaggedBy.Hex()),
		Reason:          reason,
	}, nil
}

// ListFlagged returns every wallet the contract has a flag record for.
func (r *Registry) ListFlagged(ctx context.Context) ([]string, error) {
	values, err := r.call(ctx, "getAllFlaggedWallets")
	if err != nil {
		return nil, err
	}
	addrs, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getAllFlaggedWallets: unexpected output %T", values[0])
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = strings.ToLower(a.Hex())
	}
	return out, nil
}

// ActiveCount returns the number of currently active flags.
func (r *Registry) ActiveCount(ctx context.Context) (uint64, error) {
	values, err := r.call(ctx, "getActiveFlaggedCount")
	if err != nil {
		return 0, err
	}
	count, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("getActiveFlaggedCount: unexpected output %T", values[0])
	}
	return count.Uint64(), nil
}

func (r *Registry) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := r.chain.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: input})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := r.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// --- Writes ---

// Flag records the wallet on-chain. The score is rounded to an integer for
// the contract, which derives the stored risk level from it; the caller's
// level is carried through for logging and broadcasts only. A duplicate flag
// comes back as OK with no transaction hash.
func (r *Registry) Flag(ctx context.Context, wallet string, level models.RiskLevel, score float64, reason string) *WriteResult {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return &WriteResult{Error: err.Error()}
	}
	clamped := math.Round(math.Max(0, math.Min(100, score)))

	hash, err := r.submit(ctx, "flagWallet",
		common.HexToAddress(canonical), new(big.Int).SetUint64(uint64(clamped)), reason)
	res := writeResult(hash, err)
	if res.OK && res.TxHash != "" {
		r.log.WithFields(logrus.Fields{
			"wallet": canonical,
			"risk":   level,
			"score":  clamped,
			"tx":     res.TxHash,
		}).Info("wallet flagged on-chain")
	}
	return res
}

// Unflag lifts an existing flag.
func (r *Registry) Unflag(ctx context.Context, wallet string) *WriteResult {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return &WriteResult{Error: err.Error()}
	}
	return writeResult(r.submit(ctx, "unflagWallet", common.HexToAddress(canonical)))
}

// UpdateRisk rewrites the stored risk level for an already flagged wallet.
func (r *Registry) UpdateRisk(ctx context.Context, wallet string, level models.RiskLevel) *WriteResult {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return &WriteResult{Error: err.Error()}
	}
	return writeResult(r.submit(ctx, "updateRiskLevel", common.HexToAddress(canonical), level.ChainCode()))
}

// submit packs, prices, signs, sends, and confirms one contract write.
// EIP-1559 pricing is preferred; chains that return no fee cap get a legacy
// transaction.
func (r *Registry) submit(ctx context.Context, method string, args ...any) (string, error) {
	if r.key == nil {
		return "", ErrReadOnly
	}
	input, err := r.abi.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", method, err)
	}

	gas := uint64(fallbackGasLimit)
	estimated, err := r.chain.EstimateGas(ctx, ethereum.CallMsg{From: r.from, To: &r.address, Data: input})
	switch {
	case isAlreadyFlagged(err):
		// Estimation executes the call, so duplicate flags surface here.
		return "", ErrAlreadyFlagged
	case err != nil:
		r.log.WithError(err).WithField("method", method).Warn("gas estimation failed, using fallback limit")
	default:
		gas = estimated + estimated/5
	}

	nonce, err := r.chain.PendingNonce(ctx, r.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	fees, err := r.chain.FeeData(ctx)
	if err != nil {
		return "", fmt.Errorf("fee data: %w", err)
	}

	var tx *types.Transaction
	if fees.GasFeeCap != nil && fees.GasTipCap != nil {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   r.chain.ChainID(),
			Nonce:     nonce,
			GasTipCap: fees.GasTipCap,
			GasFeeCap: fees.GasFeeCap,
			Gas:       gas,
			To:        &r.address,
			Data:      input,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasPrice,
			Gas:      gas,
			To:       &r.address,
			Data:     input,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chain.ChainID()), r.key)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", method, err)
	}
	if err := r.chain.SendTransaction(ctx, signed); err != nil {
		if isAlreadyFlagged(err) {
			return "", ErrAlreadyFlagged
		}
		return "", fmt.Errorf("send %s: %w", method, err)
	}

	hash := signed.Hash()
	r.log.WithFields(logrus.Fields{
		"method": method,
		"tx":     hash.Hex(),
		"gas":    gas,
		"nonce":  nonce,
	}).Info("registry transaction submitted")

	receipt, err := r.chain.WaitForReceipt(ctx, hash, Confirmations, receiptTimeout)
	if err != nil {
		return hash.Hex(), fmt.Errorf("confirm %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash.Hex(), fmt.Errorf("%s reverted on-chain, tx %s", method, hash.Hex())
	}
	return hash.Hex(), nil
}

func writeResult(hash string, err error) *WriteResult {
	switch {
	case err == nil:
		return &WriteResult{OK: true, TxHash: hash}
	case errors.Is(err, ErrAlreadyFlagged):
		return &WriteResult{OK: true, Error: err.Error()}
	default:
		return &WriteResult{OK: false, TxHash: hash, Error: err.Error()}
	}
}

func isAlreadyFlagged(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already flagged")
}
