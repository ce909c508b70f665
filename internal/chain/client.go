package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Transient RPC failures are retried with exponential backoff:
// base * 2^(attempt-1), so 500ms then 1s before the final attempt.
const (
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxAttempts = 3

	callTimeout        = 15 * time.Second
	receiptPollEvery   = 2 * time.Second
	defaultWaitTimeout = 2 * time.Minute
)

var ErrChainIDMismatch = errors.New("chain id mismatch")

// Client wraps the upstream RPC connection with per-call timeouts and the
// retry policy every reader in the pipeline shares. Writes (transaction
// submission) are never retried blindly.
type Client struct {
	log     logrus.FieldLogger
	rpc     *rpc.Client
	eth     *ethclient.Client
	chainID *big.Int
	signer  types.Signer
}

// FeeData carries the current fee market view. GasTipCap and GasFeeCap are
// nil on chains without EIP-1559 support; GasPrice is always populated.
type FeeData struct {
	GasPrice  *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// Dial connects to the node and verifies it serves the expected chain.
// A chain id mismatch is fatal: scoring data from the wrong network is
// worse than no data.
func Dial(ctx context.Context, log *logrus.Logger, rawURL string, wantChainID int64) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	c := &Client{
		log: log.WithField("component", "chain"),
		rpc: rpcClient,
		eth: ethclient.NewClient(rpcClient),
	}

	verifyCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	chainID, err := c.eth.ChainID(verifyCtx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if chainID.Int64() != wantChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("%w: node reports %d, configured %d", ErrChainIDMismatch, chainID.Int64(), wantChainID)
	}

	c.chainID = chainID
	c.signer = types.LatestSignerForChainID(chainID)
	c.log.WithField("chain_id", chainID.Int64()).Info("connected to rpc node")
	return c, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// ChainID returns the verified chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Sender recovers the from-address of a transaction.
func (c *Client) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(c.signer, tx)
}

// do runs fn under the retry policy. Not-found results, reverts, and parent
// context cancellation abort immediately; everything else is treated as
// transient.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ethereum.NotFound) || isRevert(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if attempt == retryMaxAttempts {
			break
		}
		delay := retryBaseDelay << (attempt - 1)
		c.log.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Debug("rpc call failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

// --- Read path ---

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := c.do(ctx, "eth_getHeaderByNumber", func(ctx context.Context) error {
		var err error
		h, err = c.eth.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

// BlockByNumber fetches a full block including its transactions. number nil
// means latest.
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	var b *types.Block
	err := c.do(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		b, err = c.eth.BlockByNumber(ctx, number)
		return err
	})
	return b, err
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := c.do(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		var err error
		tx, pending, err = c.eth.TransactionByHash(ctx, hash)
		return err
	})
	return tx, pending, err
}

// Receipt returns the transaction receipt, or (nil, nil) while the
// transaction is still pending. Pollers lean on the nil result instead of
// special-casing not-found errors.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	err := c.do(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		r, err = c.eth.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return r, err
}

func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.do(ctx, "eth_getBalance", func(ctx context.Context) error {
		var err error
		bal, err = c.eth.BalanceAt(ctx, addr, nil)
		return err
	})
	return bal, err
}

// TransactionCount returns the wallet's confirmed nonce, its lifetime
// outbound transaction count.
func (c *Client) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		n, err = c.eth.NonceAt(ctx, addr, nil)
		return err
	})
	return n, err
}

func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_getTransactionCount(pending)", func(ctx context.Context) error {
		var err error
		n, err = c.eth.PendingNonceAt(ctx, addr)
		return err
	})
	return n, err
}

// Code returns the bytecode at addr; empty means an externally owned account.
func (c *Client) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := c.do(ctx, "eth_getCode", func(ctx context.Context) error {
		var err error
		code, err = c.eth.CodeAt(ctx, addr, nil)
		return err
	})
	return code, err
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = c.eth.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.do(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var err error
		gas, err = c.eth.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// FeeData samples the fee market. On EIP-1559 chains the fee cap follows
// the common 2*baseFee+tip formula so the transaction survives moderate
// base-fee growth while it waits for inclusion.
func (c *Client) FeeData(ctx context.Context) (*FeeData, error) {
	head, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	var gasPrice *big.Int
	err = c.do(ctx, "eth_gasPrice", func(ctx context.Context) error {
		var err error
		gasPrice, err = c.eth.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	fd := &FeeData{GasPrice: gasPrice}
	if head.BaseFee == nil {
		return fd, nil
	}

	var tip *big.Int
	err = c.do(ctx, "eth_maxPriorityFeePerGas", func(ctx context.Context) error {
		var err error
		tip, err = c.eth.SuggestGasTipCap(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	fd.GasTipCap = tip
	fd.GasFeeCap = feeCapFor(head.BaseFee, tip)
	return fd, nil
}

func feeCapFor(baseFee, tip *big.Int) *big.Int {
	return new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
}

// --- Write path ---

// SendTransaction submits a signed transaction. One attempt only:
// resubmitting on an ambiguous failure risks confusing nonce errors for
// real ones.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := c.eth.SendTransaction(callCtx, tx); err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}
	return nil
}

// WaitForReceipt polls until the transaction has the requested number of
// confirmations. confirmations=1 means mined; timeout<=0 uses the default.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64, timeout time.Duration) (*types.Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()

	for {
		receipt, err := c.Receipt(waitCtx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			head, err := c.BlockNumber(waitCtx)
			if err != nil {
				return nil, err
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined && head-mined+1 >= confirmations {
				return receipt, nil
			}
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// --- Subscriptions ---

// SubscribeRaw opens an eth_subscribe with the given params, delivering raw
// notification payloads. Requires a websocket RPC endpoint; callers fall back
// to polling when it fails. Stream providers differ on payload shape, so
// consumers decode tolerantly.
func (c *Client) SubscribeRaw(ctx context.Context, ch chan<- json.RawMessage, params ...any) (ethereum.Subscription, error) {
	return c.rpc.EthSubscribe(ctx, ch, params...)
}
