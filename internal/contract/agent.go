package contract

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

const (
	// RequestDataMethod is the agent contract function that records a request
	RequestDataMethod = "requestData"

	// RequestAgentDataEvent is emitted by the agent contract for every request
	RequestAgentDataEvent = "IRISRequestAgentData"

	// DefaultMaxHops is the hop budget attached to a request when the caller does not set one
	DefaultMaxHops = 20
)

// AgentABIJSON describes the IRIS agent contract: one event and the function that emits it.
const AgentABIJSON = `[
    {
        "anonymous": false,
        "inputs": [
            {"indexed": true, "internalType": "address", "name": "userAddress", "type": "address"},
            {"indexed": false, "internalType": "string", "name": "data", "type": "string"},
            {"indexed": false, "internalType": "uint256", "name": "max_hops", "type": "uint256"},
            {"indexed": false, "internalType": "string", "name": "originalData", "type": "string"},
            {"indexed": false, "internalType": "address[]", "name": "hops", "type": "address[]"}
        ],
        "name": "IRISRequestAgentData",
        "type": "event"
    },
    {
        "inputs": [
            {"internalType": "address", "name": "userAddress", "type": "address"},
            {"internalType": "string", "name": "data", "type": "string"},
            {"internalType": "uint256", "name": "max_hops", "type": "uint256"},
            {"internalType": "string", "name": "originalData", "type": "string"},
            {"internalType": "address[]", "name": "hops", "type": "address[]"}
        ],
        "name": "requestData",
        "outputs": [],
        "stateMutability": "nonpayable",
        "type": "function"
    }
]`

var (
	agentABI     abi.ABI
	agentABIErr  error
	agentABIOnce sync.Once
)

// AgentABI returns the parsed agent contract ABI
func AgentABI() (abi.ABI, error) {
	agentABIOnce.Do(func() {
		agentABI, agentABIErr = abi.JSON(strings.NewReader(AgentABIJSON))
		if agentABIErr != nil {
			agentABIErr = errors.Wrap(agentABIErr, "ABI parse error")
		}
	})
	return agentABI, agentABIErr
}

// RequestData holds the arguments of a requestData call
type RequestData struct {
	User         common.Address   // Address the request is made on behalf of
	Data         string           // Free-text payload for the current hop
	MaxHops      uint64           // Maximum number of agents the request may traverse
	OriginalData string           // Payload as first submitted by the user
	Hops         []common.Address // Agents the request already passed through
}

// NewRequestData builds a request with the default hop budget, using data as the original payload
func NewRequestData(user common.Address, data string) RequestData {
	return RequestData{
		User:         user,
		Data:         data,
		MaxHops:      DefaultMaxHops,
		OriginalData: data,
		Hops:         []common.Address{},
	}
}

// Args returns the ordered, ABI-typed argument list for requestData.
func (r RequestData) Args() []any {
	hops := r.Hops
	if hops == nil {
		hops = []common.Address{}
	}
	return []any{
		r.User,
		r.Data,
		new(big.Int).SetUint64(r.MaxHops),
		r.OriginalData,
		hops,
	}
}

// AgentRequest is a decoded IRISRequestAgentData log
type AgentRequest struct {
	User         common.Address
	Data         string
	MaxHops      *big.Int
	OriginalData string
	Hops         []common.Address

	Contract    common.Address
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// HopsRemaining reports how many more agents the request may visit. It is
// never negative.
func (r *AgentRequest) HopsRemaining() uint64 {
	if r.MaxHops == nil || !r.MaxHops.IsUint64() {
		return 0
	}
	maxHops := r.MaxHops.Uint64()
	used := uint64(len(r.Hops))
	if used >= maxHops {
		return 0
	}
	return maxHops - used
}

// RequestAgentDataTopic returns the topic hash identifying IRISRequestAgentData logs
func RequestAgentDataTopic() (common.Hash, error) {
	parsed, err := AgentABI()
	if err != nil {
		return common.Hash{}, err
	}
	return parsed.Events[RequestAgentDataEvent].ID, nil
}

// DecodeRequestAgentData decodes an IRISRequestAgentData log.
// The user address is indexed and read from the second topic; the other fields live in the log data.
func DecodeRequestAgentData(log types.Log) (*AgentRequest, error) {
	parsed, err := AgentABI()
	if err != nil {
		return nil, err
	}
	event := parsed.Events[RequestAgentDataEvent]

	if len(log.Topics) != 2 {
		return nil, errors.Errorf("unexpected topic count: %d", len(log.Topics))
	}
	if log.Topics[0] != event.ID {
		return nil, errors.Errorf("log is not %s: topic %s", RequestAgentDataEvent, log.Topics[0].Hex())
	}

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unpack event data")
	}
	if len(values) != 4 {
		return nil, errors.Errorf("unexpected field count: %d", len(values))
	}

	data, ok := values[0].(string)
	if !ok {
		return nil, errors.New("data field is not a string")
	}
	maxHops, ok := values[1].(*big.Int)
	if !ok {
		return nil, errors.New("max_hops field is not a uint256")
	}
	original, ok := values[2].(string)
	if !ok {
		return nil, errors.New("originalData field is not a string")
	}
	hops, ok := values[3].([]common.Address)
	if !ok {
		return nil, errors.New("hops field is not an address array")
	}

	return &AgentRequest{
		User:         common.BytesToAddress(log.Topics[1].Bytes()),
		Data:         data,
		MaxHops:      maxHops,
		OriginalData: original,
		Hops:         hops,
		Contract:     log.Address,
		TxHash:       log.TxHash,
		BlockNumber:  log.BlockNumber,
		LogIndex:     log.Index,
	}, nil
}
