package evm

import (
	"fmt"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
)

const sweepMethod = "sweepFeesAndUpdateBenchMark"

// SweepAction builds the fee sweep for one GM market held by a prime
// account. The transaction is sent to the account itself.
func SweepAction(subject model.Subject, resource model.Resource) (model.Action, error) {
	if !common.IsHexAddress(subject.String()) {
		return model.Action{}, fmt.Errorf("invalid subject address %q", subject)
	}
	if !common.IsHexAddress(resource.Address) {
		return model.Action{}, fmt.Errorf("invalid resource address %q", resource.Address)
	}
	data, err := SweepFeesCall(common.HexToAddress(resource.Address))
	if err != nil {
		return model.Action{}, err
	}
	return model.Action{
		Target:   common.HexToAddress(subject.String()).Hex(),
		Calldata: data,
		Method:   sweepMethod,
	}, nil
}
