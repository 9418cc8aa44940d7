package testchain

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EmitterABI describes the single contract kind the chain knows how to run.
//
//	event Emitted(uint256 indexed val, address sender)
//	function emitValue(uint256 val)    stores val in slot 0 and emits Emitted
//	function fail()                    always reverts
//	function lastValue() view returns (uint256)
const EmitterABI = `[
	{"type":"event","name":"Emitted","anonymous":false,"inputs":[
		{"name":"val","type":"uint256","indexed":true},
		{"name":"sender","type":"address","indexed":false}]},
	{"type":"function","name":"emitValue","stateMutability":"nonpayable","inputs":[{"name":"val","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"fail","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"lastValue","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// EmitterCode is the deployment payload of the emitter contract. The chain
// only looks at the selector of later calls, never at the code itself.
var EmitterCode = common.FromHex("0x6080604052348015600f57600080fd5b50")

// Gas charged per transaction kind.
const (
	TransferGas = 21000
	DeployGas   = 60000
	CallGas     = 30000
	RevertGas   = 25000
)

var (
	emittedTopic  = crypto.Keccak256Hash([]byte("Emitted(uint256,address)"))
	emitSelector  = crypto.Keccak256([]byte("emitValue(uint256)"))[:4]
	failSelector  = crypto.Keccak256([]byte("fail()"))[:4]
	valueSelector = crypto.Keccak256([]byte("lastValue()"))[:4]
)

type callKind int

const (
	kindTransfer callKind = iota
	kindDeploy
	kindCall
	kindEmit
	kindRevert
	kindView
)

// classify decides what executing input against to does.
func (s *state) classify(to *common.Address, input []byte) callKind {
	if to == nil {
		return kindDeploy
	}
	if _, ok := s.contracts[*to]; !ok {
		return kindTransfer
	}
	switch {
	case len(input) >= 4 && bytes.Equal(input[:4], failSelector):
		return kindRevert
	case len(input) == 36 && bytes.Equal(input[:4], emitSelector):
		return kindEmit
	case len(input) >= 4 && bytes.Equal(input[:4], valueSelector):
		return kindView
	default:
		return kindCall
	}
}

func (k callKind) gas() uint64 {
	switch k {
	case kindTransfer:
		return TransferGas
	case kindDeploy:
		return DeployGas
	case kindRevert:
		return RevertGas
	default:
		return CallGas
	}
}

func emittedLog(sender common.Address, input []byte) (topics []common.Hash, data []byte) {
	val := common.BytesToHash(input[4:36])
	return []common.Hash{emittedTopic, val}, common.LeftPadBytes(sender.Bytes(), 32)
}
