package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Caller executes read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

// Reader reads crowdfund contract state.
type Reader struct {
	caller  Caller
	abi     abi.ABI
	timeout time.Duration
}

func NewReader(caller Caller, abis *ABIs, timeout time.Duration) *Reader {
	return &Reader{caller: caller, abi: abis.Crowdfund, timeout: timeout}
}

// TotalContributed returns the crowdfund's running total as of block.
// A zero block reads the latest state.
func (r *Reader) TotalContributed(ctx context.Context, crowdfund common.Address, block uint64) (*big.Int, error) {
	var at *big.Int
	if block > 0 {
		at = new(big.Int).SetUint64(block)
	}
	out, err := r.call(ctx, crowdfund, "totalContributed", at)
	if err != nil {
		return nil, err
	}
	total, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("totalContributed: unexpected %T", out[0])
	}
	return total, nil
}

// Token returns the launched token of a finalized crowdfund.
func (r *Reader) Token(ctx context.Context, crowdfund common.Address) (common.Address, error) {
	out, err := r.call(ctx, crowdfund, "token", nil)
	if err != nil {
		return common.Address{}, err
	}
	token, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("token: unexpected %T", out[0])
	}
	return token, nil
}

func (r *Reader) call(ctx context.Context, to common.Address, method string, block *big.Int) ([]any, error) {
	data, err := r.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := r.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}
