// Package chain submits ERC-20 token transfers from the merchant wallet.
// Refunds are plain transfer(to, amount) calls on the payment token's
// contract, confirmed before the caller is told the money moved.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

const erc20ABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const defaultConfirmTimeout = 90 * time.Second

// TransactionError is a chain submission or confirmation failure. No refund
// state has been persisted when it is returned, so the operation is safe to
// retry.
type TransactionError struct {
	Stage string
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed (%s): %v", e.Stage, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// ParsePrivateKey parses a hex-encoded secp256k1 key, with or without the 0x
// prefix. A failure here is a configuration error, not a transaction error.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid merchant private key")
	}
	return key, nil
}

// ValidAddress reports whether s is a syntactically valid chain address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

type Transferor struct {
	client         *ethclient.Client
	token          common.Address
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	abi            abi.ABI
	confirmTimeout time.Duration
	logger         *slog.Logger
}

func NewTransferor(ctx context.Context, rpcURL, tokenContract string, key *ecdsa.PrivateKey, confirmTimeout time.Duration, logger *slog.Logger) (*Transferor, error) {
	if !common.IsHexAddress(tokenContract) {
		return nil, errors.Errorf("invalid token contract address: %s", tokenContract)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dialing rpc endpoint")
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolving chain id")
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, errors.Wrap(err, "parsing erc20 abi")
	}

	return &Transferor{
		client:         client,
		token:          common.HexToAddress(tokenContract),
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        chainID,
		abi:            parsed,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}, nil
}

// Decimals reads the token contract's decimals value.
func (t *Transferor) Decimals(ctx context.Context) (uint8, error) {
	data, err := t.abi.Pack("decimals")
	if err != nil {
		return 0, errors.Wrap(err, "packing decimals call")
	}

	res, err := t.client.CallContract(ctx, ethereum.CallMsg{To: &t.token, Data: data}, nil)
	if err != nil {
		return 0, &TransactionError{Stage: "decimals", Err: err}
	}

	out, err := t.abi.Unpack("decimals", res)
	if err != nil {
		return 0, errors.Wrap(err, "unpacking decimals result")
	}
	return out[0].(uint8), nil
}

// Transfer sends amount base units of the token to the recipient and waits
// for the transaction to be mined. The returned hash is only reported after
// a successful receipt.
func (t *Transferor) Transfer(ctx context.Context, recipient string, amount *big.Int) (string, error) {
	to := common.HexToAddress(recipient)

	data, err := t.abi.Pack("transfer", to, amount)
	if err != nil {
		return "", errors.Wrap(err, "packing transfer call")
	}

	nonce, err := t.client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return "", &TransactionError{Stage: "nonce", Err: err}
	}

	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransactionError{Stage: "gas price", Err: err}
	}

	gasLimit, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From: t.from,
		To:   &t.token,
		Data: data,
	})
	if err != nil {
		// Estimation fails on reverts, e.g. insufficient token balance.
		return "", &TransactionError{Stage: "gas estimate", Err: err}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &t.token,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return "", &TransactionError{Stage: "signing", Err: err}
	}

	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return "", &TransactionError{Stage: "submission", Err: err}
	}

	t.logger.InfoContext(ctx, "Refund transaction sent", "hash", signed.Hash().Hex(), "to", to.Hex(), "amount", amount.String())

	confirmCtx, cancel := context.WithTimeout(ctx, t.confirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(confirmCtx, t.client, signed)
	if err != nil {
		return "", &TransactionError{Stage: "confirmation", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", &TransactionError{Stage: "confirmation", Err: errors.New("transaction reverted")}
	}

	t.logger.InfoContext(ctx, "Refund transaction confirmed", "hash", signed.Hash().Hex(), "block", receipt.BlockNumber)
	return signed.Hash().Hex(), nil
}
