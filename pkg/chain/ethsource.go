package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthLogSource is the LogSource backed by a real JSON-RPC/WebSocket
// connection via go-ethereum's ethclient, the same client
// cosmos-solidity-ibc-eureka's relayer binds its generated contract
// bindings against.
type EthLogSource struct {
	client *ethclient.Client
}

// DialEthLogSource connects to rawurl (http(s):// or ws(s)://) and returns
// an EthLogSource ready to drive a Reader.
func DialEthLogSource(ctx context.Context, rawurl string) (*EthLogSource, error) {
	client, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return &EthLogSource{client: client}, nil
}

// LatestBlock returns the current chain head.
func (s *EthLogSource) LatestBlock(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

// FilterLogs replays historical logs matching query.
func (s *EthLogSource) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return s.client.FilterLogs(ctx, query)
}

// SubscribeFilterLogs tails new logs matching query over a live
// subscription (WebSocket transports only, per go-ethereum's own
// constraint).
func (s *EthLogSource) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	return s.client.SubscribeFilterLogs(ctx, query, ch)
}

// BlockTimestamp resolves blockNumber to its unix timestamp.
func (s *EthLogSource) BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

// Close releases the underlying RPC connection.
func (s *EthLogSource) Close() {
	s.client.Close()
}
