package testchain

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// criteria is the eth_newFilter argument.
type criteria struct {
	BlockHash *common.Hash
	FromBlock *rpc.BlockNumber
	ToBlock   *rpc.BlockNumber
	Addresses []common.Address
	Topics    [][]common.Hash
}

func (c *criteria) UnmarshalJSON(data []byte) error {
	var raw struct {
		BlockHash *common.Hash      `json:"blockHash"`
		FromBlock *rpc.BlockNumber  `json:"fromBlock"`
		ToBlock   *rpc.BlockNumber  `json:"toBlock"`
		Address   json.RawMessage   `json:"address"`
		Topics    []json.RawMessage `json:"topics"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.BlockHash, c.FromBlock, c.ToBlock = raw.BlockHash, raw.FromBlock, raw.ToBlock
	addrs, err := oneOrMany[common.Address](raw.Address)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	c.Addresses = addrs
	for i, t := range raw.Topics {
		topics, err := oneOrMany[common.Hash](t)
		if err != nil {
			return fmt.Errorf("invalid topic %d: %w", i, err)
		}
		c.Topics = append(c.Topics, topics)
	}
	return nil
}

// oneOrMany decodes null, a single value or an array of values.
func oneOrMany[T any](raw json.RawMessage) ([]T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '[' {
		var many []T
		err := json.Unmarshal(raw, &many)
		return many, err
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

func resolve(n *rpc.BlockNumber, head uint64, missing uint64) uint64 {
	switch {
	case n == nil:
		return missing
	case *n >= 0:
		return uint64(*n)
	case *n == rpc.EarliestBlockNumber:
		return 0
	default:
		return head
	}
}

func (c *criteria) matches(l *types.Log, number, head uint64) bool {
	if c.BlockHash != nil {
		if l.BlockHash != *c.BlockHash {
			return false
		}
	} else {
		if number < resolve(c.FromBlock, head, head) || number > resolve(c.ToBlock, head, head) {
			return false
		}
	}
	if len(c.Addresses) > 0 && !slices.Contains(c.Addresses, l.Address) {
		return false
	}
	if len(c.Topics) > len(l.Topics) {
		return false
	}
	for i, sub := range c.Topics {
		if len(sub) > 0 && !slices.Contains(sub, l.Topics[i]) {
			return false
		}
	}
	return true
}

// allLogs returns every sealed log matching crit. Callers hold c.mu.
func (c *Chain) allLogs(crit criteria) []*types.Log {
	logs := []*types.Log{}
	head := c.head()
	for _, b := range c.blocks {
		for _, r := range b.receipts {
			for _, l := range r.logs {
				if crit.matches(l, b.number, head) {
					logs = append(logs, l)
				}
			}
		}
	}
	return logs
}
