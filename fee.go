package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"artstore_gateway/pkg/merkle"
)

// feeSafetyMultiplier pads the quoted fee against oracle price drift
// between estimation and on-chain execution. The registry refunds nothing,
// but underpaying reverts the submission, so we overpay by this factor.
// Tunable, not magic.
const feeSafetyMultiplier = 2

type feeQuote struct {
	PricePerSector *big.Int
	SectorCount    uint64
	TotalFee       *big.Int
}

// estimateFee quotes the storage fee for a payload of the given length.
// The oracle is consulted on every call: quotes are never reused across
// uploads because the price may move between them. No internal retry; the
// caller decides whether an ErrOracleUnavailable is worth another attempt.
func estimateFee(ctx context.Context, backend chainBackend, oracle common.Address, payloadLength uint64) (*feeQuote, error) {
	price, err := fetchPricePerSector(ctx, backend, oracle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	sectors := merkle.NumSectors(payloadLength)
	total := new(big.Int).Mul(price, new(big.Int).SetUint64(sectors))
	total.Mul(total, big.NewInt(feeSafetyMultiplier))

	return &feeQuote{
		PricePerSector: price,
		SectorCount:    sectors,
		TotalFee:       total,
	}, nil
}

func fetchPricePerSector(ctx context.Context, backend chainBackend, oracle common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, chainCallTimeout)
	defer cancel()

	data, err := oracleABI.Pack("pricePerSector")
	if err != nil {
		return nil, err
	}
	raw, err := backend.CallContract(ctx, ethereum.CallMsg{To: &oracle, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := oracleABI.Unpack("pricePerSector", raw)
	if err != nil {
		return nil, err
	}
	price, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected oracle return type %T", vals[0])
	}
	return price, nil
}
