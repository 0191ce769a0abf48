package mevengine

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Router selectors the monitor classifies. Anything else is ignored.
const (
	selSwapExactTokensForTokens = 0x38ed1739
	selSwapExactETHForTokens    = 0x7ff36ab5
	selSwapExactTokensForETH    = 0x18cbafe5
	selSwapTokensForExactTokens = 0x8803dbee
	selSwapETHForExactTokens    = 0xfb3bdb41
	selSwapExactTokensFeeTokens = 0x5c11d795
	selSwapExactTokensFeeETH    = 0x791ac947
	selSwapExactETHFeeTokens    = 0xb6f9de95

	selExactInputSingle  = 0x414bf389
	selExactInput        = 0xc04b8d59
	selExactOutputSingle = 0x5023b4df
	selExactOutput       = 0xf28c0498
)

type swapSignature struct {
	method string
	kind   SwapKind
	decode func(tx *MempoolTransaction, args calldata) *SwapCall
}

var swapSignatures = map[uint32]swapSignature{
	selSwapExactTokensForTokens: {"swapExactTokensForTokens", SwapV2, decodeV2ExactIn},
	selSwapExactETHForTokens:    {"swapExactETHForTokens", SwapV2, decodeV2ExactInETH},
	selSwapExactTokensForETH:    {"swapExactTokensForETH", SwapV2, decodeV2ExactIn},
	selSwapTokensForExactTokens: {"swapTokensForExactTokens", SwapV2, decodeV2ExactOut},
	selSwapETHForExactTokens:    {"swapETHForExactTokens", SwapV2, decodeV2ExactOutETH},
	selSwapExactTokensFeeTokens: {"swapExactTokensForTokensSupportingFeeOnTransferTokens", SwapV2, decodeV2ExactIn},
	selSwapExactTokensFeeETH:    {"swapExactTokensForETHSupportingFeeOnTransferTokens", SwapV2, decodeV2ExactIn},
	selSwapExactETHFeeTokens:    {"swapExactETHForTokensSupportingFeeOnTransferTokens", SwapV2, decodeV2ExactInETH},

	selExactInputSingle:  {"exactInputSingle", SwapV3, decodeV3Single},
	selExactInput:        {"exactInput", SwapV3, decodeV3Path},
	selExactOutputSingle: {"exactOutputSingle", SwapV3, decodeV3SingleExactOut},
	selExactOutput:       {"exactOutput", SwapV3, decodeV3PathExactOut},
}

// calldata is ABI-encoded arguments split into 32-byte words, selector
// stripped. Malformed input yields short word lists; accessors return zero
// values past the end rather than panicking.
type calldata [][]byte

func splitCalldata(input []byte) (uint32, calldata, bool) {
	if len(input) < 4 {
		return 0, nil, false
	}
	selector := binary.BigEndian.Uint32(input[:4])
	body := input[4:]
	words := make(calldata, 0, len(body)/32)
	for i := 0; i+32 <= len(body); i += 32 {
		words = append(words, body[i:i+32])
	}
	return selector, words, true
}

func (c calldata) bigInt(i int) *big.Int {
	if i < 0 || i >= len(c) {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(c[i])
}

func (c calldata) address(i int) common.Address {
	if i < 0 || i >= len(c) {
		return common.Address{}
	}
	return common.BytesToAddress(c[i][12:])
}

// pathEndpoints resolves a dynamic address[] argument whose offset lives at
// word i and returns its first and last elements.
func (c calldata) pathEndpoints(i int) (common.Address, common.Address) {
	offset := c.bigInt(i)
	if !offset.IsInt64() || offset.Int64()%32 != 0 {
		return common.Address{}, common.Address{}
	}
	lenWord := int(offset.Int64() / 32)
	n := c.bigInt(lenWord)
	if !n.IsInt64() || n.Int64() < 1 || lenWord+int(n.Int64()) >= len(c)+1 {
		return common.Address{}, common.Address{}
	}
	first := c.address(lenWord + 1)
	last := c.address(lenWord + int(n.Int64()))
	return first, last
}

// DecodeSwap classifies a pending transaction's calldata against the known
// router selectors. It returns nil when the transaction is not a swap the
// engine understands.
func DecodeSwap(tx *MempoolTransaction) *SwapCall {
	selector, args, ok := splitCalldata(tx.Input)
	if !ok {
		return nil
	}
	sig, ok := swapSignatures[selector]
	if !ok {
		return nil
	}
	call := sig.decode(tx, args)
	if call == nil {
		return nil
	}
	call.Method = sig.method
	call.Kind = sig.kind
	call.SlippagePct = impliedSlippagePct(call.AmountIn, call.MinAmountOut)
	return call
}

// impliedSlippagePct treats in and min-out as comparable magnitudes, the
// way routers quote stable-ish paths. Zero when the amounts make the ratio
// meaningless.
func impliedSlippagePct(amountIn, minOut *big.Int) float64 {
	if amountIn == nil || amountIn.Sign() <= 0 || minOut == nil || minOut.Sign() < 0 {
		return 0
	}
	if minOut.Cmp(amountIn) >= 0 {
		return 0
	}
	diff := new(big.Float).SetInt(new(big.Int).Sub(amountIn, minOut))
	pct, _ := new(big.Float).Quo(diff, new(big.Float).SetInt(amountIn)).Float64()
	return pct * 100
}

// swap(amountIn, amountOutMin, path, to, deadline)
func decodeV2ExactIn(_ *MempoolTransaction, args calldata) *SwapCall {
	in, out := args.pathEndpoints(2)
	return &SwapCall{
		AmountIn:     args.bigInt(0),
		MinAmountOut: args.bigInt(1),
		TokenIn:      in,
		TokenOut:     out,
	}
}

// swap(amountOutMin, path, to, deadline) value-carrying
func decodeV2ExactInETH(tx *MempoolTransaction, args calldata) *SwapCall {
	amountIn := new(big.Int)
	if tx.Value != nil {
		amountIn.Set(tx.Value)
	}
	in, out := args.pathEndpoints(1)
	return &SwapCall{
		AmountIn:     amountIn,
		MinAmountOut: args.bigInt(0),
		TokenIn:      in,
		TokenOut:     out,
	}
}

// swap(amountOut, amountInMax, path, to, deadline)
func decodeV2ExactOut(_ *MempoolTransaction, args calldata) *SwapCall {
	in, out := args.pathEndpoints(2)
	return &SwapCall{
		AmountIn:     args.bigInt(1),
		MinAmountOut: args.bigInt(0),
		TokenIn:      in,
		TokenOut:     out,
	}
}

// swap(amountOut, path, to, deadline) value-carrying
func decodeV2ExactOutETH(tx *MempoolTransaction, args calldata) *SwapCall {
	amountIn := new(big.Int)
	if tx.Value != nil {
		amountIn.Set(tx.Value)
	}
	in, out := args.pathEndpoints(1)
	return &SwapCall{
		AmountIn:     amountIn,
		MinAmountOut: args.bigInt(0),
		TokenIn:      in,
		TokenOut:     out,
	}
}

// exactInputSingle((tokenIn, tokenOut, fee, recipient, deadline, amountIn,
// amountOutMinimum, sqrtPriceLimitX96))
func decodeV3Single(_ *MempoolTransaction, args calldata) *SwapCall {
	return &SwapCall{
		AmountIn:     args.bigInt(5),
		MinAmountOut: args.bigInt(6),
		TokenIn:      args.address(0),
		TokenOut:     args.address(1),
	}
}

// exactOutputSingle: same field layout, amounts swapped in meaning.
func decodeV3SingleExactOut(_ *MempoolTransaction, args calldata) *SwapCall {
	return &SwapCall{
		AmountIn:     args.bigInt(6), // amountInMaximum
		MinAmountOut: args.bigInt(5), // amountOut
		TokenIn:      args.address(0),
		TokenOut:     args.address(1),
	}
}

// exactInput((path, recipient, deadline, amountIn, amountOutMinimum)); the
// tuple is heap-encoded so its fields start one word in.
func decodeV3Path(_ *MempoolTransaction, args calldata) *SwapCall {
	return &SwapCall{
		AmountIn:     args.bigInt(4),
		MinAmountOut: args.bigInt(5),
	}
}

func decodeV3PathExactOut(_ *MempoolTransaction, args calldata) *SwapCall {
	return &SwapCall{
		AmountIn:     args.bigInt(5),
		MinAmountOut: args.bigInt(4),
	}
}
