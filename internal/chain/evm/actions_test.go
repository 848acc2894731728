package evm

import (
	"testing"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepAction(t *testing.T) {
	subject := model.Subject("0x00000000000000000000000000000000000000a2")
	resource := model.Resource{Name: "GM_ETH_WETH_USDC", Address: "0x70d95587d40A2caf56bd97485aB3Eec10Bee6336"}

	action, err := SweepAction(subject, resource)
	require.NoError(t, err)
	assert.Equal(t, "sweepFeesAndUpdateBenchMark", action.Method)
	assert.Equal(t, common.HexToAddress(subject.String()).Hex(), action.Target)

	method, err := PrimeAccountABI.MethodById(action.Calldata[:4])
	require.NoError(t, err)
	assert.Equal(t, "sweepFeesAndUpdateBenchMark", method.Name)

	args, err := method.Inputs.Unpack(action.Calldata[4:])
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.Equal(t, common.HexToAddress(resource.Address), args[0])
}

func TestSweepAction_InvalidAddresses(t *testing.T) {
	_, err := SweepAction("0xA2", model.Resource{Address: "0x70d95587d40A2caf56bd97485aB3Eec10Bee6336"})
	require.ErrorContains(t, err, "invalid subject")

	_, err = SweepAction("0x00000000000000000000000000000000000000a2", model.Resource{Address: "GM"})
	require.ErrorContains(t, err, "invalid resource")
}
