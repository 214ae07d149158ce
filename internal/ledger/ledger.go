// Package ledger talks to the settlement ledger: call encoding,
// multicall submission, and balance reads.
package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const wordSize = 32

// Arg is one encodable ledger call argument.
// Params: exactly one of address or amount set.
// Returns: argument encoded into a 32-byte word.
type Arg struct {
	Address string
	Amount  *big.Int
}

// AddressArg wraps wallet address as call argument.
// Params: 0x-prefixed hex address.
// Returns: address argument.
func AddressArg(address string) Arg {
	return Arg{Address: address}
}

// AmountArg wraps token amount as call argument.
// Params: non-negative amount in base units.
// Returns: amount argument.
func AmountArg(amount *big.Int) Arg {
	return Arg{Amount: amount}
}

// Submission is one submitted ledger transaction awaiting confirmation.
// Params: transaction hash and confirmation wait.
// Returns: handle for settlement worker reconciliation.
type Submission interface {
	Hash() string
	Confirm(ctx context.Context) error
}

// Client provides ledger-level operations for the settlement worker.
// Params: call encoding, multicall submission, and balance read.
// Returns: external ledger behavior behind a fake-friendly interface.
type Client interface {
	EncodeCall(fn string, args ...Arg) ([]byte, error)
	SubmitMulticall(ctx context.Context, calls [][]byte) (Submission, error)
	ReadBalance(ctx context.Context, address string) (*big.Int, error)
}

// Encoder builds call payloads from configured function selectors.
// Params: function name to 4-byte hex selector mapping.
// Returns: deterministic call encoder.
type Encoder struct {
	selectors map[string]string
}

// NewEncoder creates call encoder from configured selectors.
// Params: selector map from ledger config.
// Returns: initialized encoder.
func NewEncoder(selectors map[string]string) *Encoder {
	return &Encoder{selectors: selectors}
}

// EncodeCall encodes selector plus 32-byte padded arguments.
// Params: configured function name and argument list.
// Returns: call payload bytes or encode error.
func (e *Encoder) EncodeCall(fn string, args ...Arg) ([]byte, error) {
	selectorHex, ok := e.selectors[fn]
	if !ok {
		return nil, fmt.Errorf("unknown ledger function %q", fn)
	}
	selector, err := hex.DecodeString(selectorHex)
	if err != nil || len(selector) != 4 {
		return nil, fmt.Errorf("invalid selector for %q: %q", fn, selectorHex)
	}

	out := make([]byte, 0, 4+wordSize*len(args))
	out = append(out, selector...)
	for i, arg := range args {
		word, err := encodeWord(arg)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d of %q: %w", i, fn, err)
		}
		out = append(out, word...)
	}
	return out, nil
}

// encodeWord left-pads one argument into a 32-byte word.
// Params: address or amount argument.
// Returns: padded word or encode error.
func encodeWord(arg Arg) ([]byte, error) {
	word := make([]byte, wordSize)
	switch {
	case arg.Address != "":
		raw, err := hex.DecodeString(strings.TrimPrefix(arg.Address, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode address %q: %w", arg.Address, err)
		}
		if len(raw) > wordSize {
			return nil, fmt.Errorf("address %q exceeds word size", arg.Address)
		}
		copy(word[wordSize-len(raw):], raw)
		return word, nil
	case arg.Amount != nil:
		if arg.Amount.Sign() < 0 {
			return nil, fmt.Errorf("negative amount %s", arg.Amount)
		}
		raw := arg.Amount.Bytes()
		if len(raw) > wordSize {
			return nil, fmt.Errorf("amount %s exceeds word size", arg.Amount)
		}
		copy(word[wordSize-len(raw):], raw)
		return word, nil
	default:
		return nil, fmt.Errorf("empty argument")
	}
}

// ScaleTokens converts whole-token amount into base units.
// Params: token count and configured token decimals.
// Returns: amount multiplied by 10^decimals.
func ScaleTokens(tokens int64, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(tokens), scale)
}
