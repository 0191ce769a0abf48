package mevengine

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"golang.org/x/crypto/sha3"
)

var (
	weiPerMon  = new(big.Float).SetInt(big.NewInt(params.Ether))
	weiPerGwei = big.NewInt(params.GWei)
)

func weiToMon(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerMon).Float64()
	return f
}

func monToWei(mon float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(mon), weiPerMon)
	wei, _ := f.Int(nil)
	return wei
}

func gweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), new(big.Float).SetInt(weiPerGwei))
	wei, _ := f.Int(nil)
	return wei
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// opportunityID derives a stable identifier from the strategy kind, the
// target transaction and the detection time. Two detections of the same
// target by the same strategy in the same instant collide on purpose.
func opportunityID(kind StrategyKind, target common.Hash, at time.Time) common.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte{byte(kind)})
	h.Write(target.Bytes())
	h.Write(ts[:])
	return common.BytesToHash(h.Sum(nil))
}

// bundleID derives the bundle identifier from the opportunity and the leg
// hashes so resubmissions of the same bundle share an id.
func bundleID(opportunity common.Hash, txs []BundleTx) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(opportunity.Bytes())
	for _, tx := range txs {
		h.Write([]byte{byte(tx.Kind)})
		h.Write(tx.Hash.Bytes())
	}
	return common.BytesToHash(h.Sum(nil))
}
