// Package chain reads on-chain balances for command eligibility checks:
// native-token balance and ERC-20 balanceOf, compared against a
// configured minimum.
package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/guildcore/backend/internal/faults"
)

// callTimeout bounds every RPC round-trip.
const callTimeout = 10 * time.Second

// balanceOfSelector is the 4-byte selector of balanceOf(address).
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// Backend is the subset of the eth client the reader needs; satisfied
// by *ethclient.Client and by the test fake.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader answers balance and eligibility queries against one RPC
// endpoint.
type Reader struct {
	backend Backend
	logger  *log.Logger
}

// Dial connects to the RPC endpoint.
func Dial(rawURL string) (*Reader, error) {
	client, err := ethclient.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	r := NewReader(client)
	r.logger.Printf("✅ Chain RPC connected")
	return r, nil
}

// NewReader wraps an existing backend.
func NewReader(backend Backend) *Reader {
	return &Reader{
		backend: backend,
		logger:  log.New(log.Writer(), "[CHAIN] ", log.LstdFlags),
	}
}

// NativeBalance returns the latest native-token balance in wei.
func (r *Reader) NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	bal, err := r.backend.BalanceAt(ctx, wallet, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "chain_unavailable",
			"chain rpc unavailable", err)
	}
	return bal, nil
}

// TokenBalance returns the ERC-20 balance of wallet on the given token
// contract.
func (r *Reader) TokenBalance(ctx context.Context, token, wallet common.Address) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(wallet.Bytes(), 32)...)

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "chain_unavailable",
			"chain rpc unavailable", err)
	}
	if len(out) < 32 {
		return nil, faults.New(faults.KindIntegrity, "bad_balance_response",
			"token contract returned a short balanceOf result")
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// Eligibility is one balance-gate check result.
type Eligibility struct {
	Eligible bool
	Balance  *big.Int
	Minimum  *big.Int
}

// CheckEligibility gates a command on holding at least minBalance.
// token == zero address means the native token. Wallet addresses are
// truncated in logs.
func (r *Reader) CheckEligibility(ctx context.Context, token, wallet common.Address, minBalance *big.Int) (*Eligibility, error) {
	var bal *big.Int
	var err error
	if token == (common.Address{}) {
		bal, err = r.NativeBalance(ctx, wallet)
	} else {
		bal, err = r.TokenBalance(ctx, token, wallet)
	}
	if err != nil {
		return nil, err
	}
	e := &Eligibility{
		Eligible: bal.Cmp(minBalance) >= 0,
		Balance:  bal,
		Minimum:  minBalance,
	}
	r.logger.Printf("🔍 Eligibility wallet=%s eligible=%v", truncateAddress(wallet), e.Eligible)
	return e, nil
}

// truncateAddress keeps logs free of raw wallet addresses.
func truncateAddress(a common.Address) string {
	s := a.Hex()
	return s[:6] + "…" + s[len(s)-4:]
}
