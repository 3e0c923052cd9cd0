package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"credmint/internal/issuance/merkle"
)

// issuerABI is the slice of the anchoring contract this client calls.
const issuerABI = `[{"type":"function","name":"issueBatch","stateMutability":"nonpayable",
"inputs":[{"name":"root","type":"bytes32"},{"name":"expiration","type":"uint256"}],"outputs":[]}]`

// Backend is the part of ethclient.Client the EVM client needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMConfig configures EVMClient.
type EVMConfig struct {
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	ReceiptPoll     time.Duration
	ReceiptTimeout  time.Duration
}

// EVMClient anchors roots by calling issueBatch(bytes32,uint256) on an EVM contract.
type EVMClient struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	poll     time.Duration
	timeout  time.Duration
}

// DialEVM connects to rpcURL and builds an EVMClient.
func DialEVM(ctx context.Context, rpcURL string, cfg EVMConfig) (*EVMClient, error) {
	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	return NewEVMClient(backend, cfg)
}

func NewEVMClient(backend Backend, cfg EVMConfig) (*EVMClient, error) {
	if backend == nil {
		return nil, errors.New("ledger backend is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(issuerABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &EVMClient{
		backend:  backend,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		signer:   types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		poll:     poll,
		timeout:  timeout,
	}, nil
}

// SubmitBatchRoot signs and sends a legacy transaction priced at the
// suggested gas price scaled by bid, then waits for it to be mined.
func (c *EVMClient) SubmitBatchRoot(ctx context.Context, root merkle.Digest, expirationEpoch int64, bid FeeBid) (string, error) {
	data, err := c.abi.Pack("issueBatch", [32]byte(root), big.NewInt(expirationEpoch))
	if err != nil {
		return "", fmt.Errorf("invalid argument: pack issueBatch: %w", err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	suggested, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	gasPrice := bid.Apply(suggested)

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.from,
		To:       &c.contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return "", err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return "", fmt.Errorf("execution reverted: transaction %s failed", signed.Hash().Hex())
	}
	return signed.Hash().Hex(), nil
}

// EstimateFee returns gasUsed * effectiveGasPrice for a mined transaction.
func (c *EVMClient) EstimateFee(ctx context.Context, txReference string) (*big.Int, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txReference))
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.EffectiveGasPrice == nil {
		return nil, errors.New("receipt has no effective gas price")
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice), nil
}

func (c *EVMClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: receipt for %s not seen: %v", ErrTransient, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
