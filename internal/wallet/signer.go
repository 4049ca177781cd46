package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultGasLimit for demo payload transactions
const DefaultGasLimit = uint64(120000)

// LocalSigner signs demo payloads with an in-process ECDSA key. The signed
// transaction is never broadcast: it only yields a real hash for the demo.
type LocalSigner struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	nonce   uint64
	balance *big.Int // nil means unlimited
}

// NewLocalSigner parses a hex private key (with or without 0x prefix).
func NewLocalSigner(hexKey string, chainID int64) (*LocalSigner, error) {
	key := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	return &LocalSigner{
		key:     pk,
		address: crypto.PubkeyToAddress(pk.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

// WithBalance caps the total value the signer will sign for.
func (s *LocalSigner) WithBalance(v int64) *LocalSigner {
	s.balance = big.NewInt(v)
	return s
}

// Address returns the signer's address
func (s *LocalSigner) Address() string {
	return s.address.Hex()
}

// SignTransaction implements Signer.
func (s *LocalSigner) SignTransaction(ctx context.Context, payload []byte, opts SignOptions) (SignedTx, error) {
	if err := ctx.Err(); err != nil {
		return SignedTx{}, &SigningError{Op: "sign", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	value := big.NewInt(opts.Value)
	if s.balance != nil && value.Cmp(s.balance) > 0 {
		return SignedTx{}, &SigningError{Op: "sign", Err: ErrInsufficientBalance}
	}

	to := s.address
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     s.nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       DefaultGasLimit,
		To:        &to,
		Value:     value,
		Data:      payload,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return SignedTx{}, &SigningError{Op: "sign", Err: err}
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return SignedTx{}, &SigningError{Op: "encode", Err: err}
	}

	s.nonce++
	if s.balance != nil {
		s.balance.Sub(s.balance, value)
	}
	return SignedTx{Hash: signed.Hash().Hex(), Raw: raw}, nil
}

// RecoverSender returns the address that signed a raw transaction.
func RecoverSender(raw []byte) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", err
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), &tx)
	if err != nil {
		return "", err
	}
	return from.Hex(), nil
}

var _ Signer = (*LocalSigner)(nil)
