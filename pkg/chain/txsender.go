package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gnosisguild/enclave/pkg/events"
)

// idAsUint parses an E3ID's on-chain id component (a base-10 integer
// string per events.NewE3ID's callers) into the uint256 the contract ABI
// expects. A malformed id is a local invariant violation, not a
// recoverable RPC error, so it panics rather than threading another error
// return through every call site — the same "this should be impossible"
// posture the teacher takes for malformed persisted data.
func idAsUint(idOnChain string) *big.Int {
	n, ok := new(big.Int).SetString(idOnChain, 10)
	if !ok {
		panic("chain: e3 id component is not a base-10 integer: " + idOnChain)
	}
	return n
}

// enclaveABI is the minimal slice of the Enclave contract's ABI this node
// ever calls: the two writes named in spec §6. Grounded on the
// bindContract/bind.NewBoundContract pattern abigen generates in
// cosmos-solidity-ibc-eureka/abigen/*/contract.go, applied here by hand
// against a small inline ABI instead of a generated binding.
const enclaveABI = `[
  {"type":"function","name":"publishCommittee","stateMutability":"nonpayable",
   "inputs":[{"name":"e3Id","type":"uint256"},{"name":"committee","type":"address[]"},{"name":"pkBytes","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"publishPlaintextOutput","stateMutability":"nonpayable",
   "inputs":[{"name":"e3Id","type":"uint256"},{"name":"plaintext","type":"bytes"},{"name":"proofBytes","type":"bytes"}],
   "outputs":[]}
]`

// EthTxSender is the TxSender backed by a real Enclave contract deployment,
// bound the same way abigen's generated NewContractTransactor binds one:
// an ABI plus a bind.ContractTransactor, wrapped in bind.BoundContract.
type EthTxSender struct {
	contract *bind.BoundContract
	opts     func(ctx context.Context) (*bind.TransactOpts, error)
}

// NewEthTxSender parses the inline Enclave ABI and binds it to address
// over transactor. opts supplies fresh TransactOpts (nonce, signer, gas)
// per call, since those depend on chain state the sender doesn't own.
func NewEthTxSender(address common.Address, transactor bind.ContractTransactor, opts func(ctx context.Context) (*bind.TransactOpts, error)) (*EthTxSender, error) {
	parsed, err := abi.JSON(strings.NewReader(enclaveABI))
	if err != nil {
		return nil, err
	}
	return &EthTxSender{
		contract: bind.NewBoundContract(address, parsed, nil, transactor, nil),
		opts:     opts,
	}, nil
}

// PublishCommittee submits the finalized committee member list and
// aggregated public key, retrying per chain.WriteBackoff on transient RPC
// failure.
func (s *EthTxSender) PublishCommittee(ctx context.Context, e3ID events.E3ID, committee []string, pkBytes []byte) error {
	_, idOnChain, err := e3ID.Split()
	if err != nil {
		return err
	}
	members := make([]common.Address, len(committee))
	for i, addr := range committee {
		members[i] = common.HexToAddress(addr)
	}

	return WriteBackoff.Run(ctx, "publish_committee", nil, func() error {
		txOpts, err := s.opts(ctx)
		if err != nil {
			return err
		}
		_, err = s.contract.Transact(txOpts, "publishCommittee", idAsUint(idOnChain), members, pkBytes)
		return err
	})
}

// PublishPlaintextOutput submits the decrypted output and its proof for an
// E3, retrying per chain.WriteBackoff on transient RPC failure.
func (s *EthTxSender) PublishPlaintextOutput(ctx context.Context, e3ID events.E3ID, plaintext []byte, proofBytes []byte) error {
	_, idOnChain, err := e3ID.Split()
	if err != nil {
		return err
	}

	return WriteBackoff.Run(ctx, "publish_plaintext_output", nil, func() error {
		txOpts, err := s.opts(ctx)
		if err != nil {
			return err
		}
		_, err = s.contract.Transact(txOpts, "publishPlaintextOutput", idAsUint(idOnChain), plaintext, proofBytes)
		return err
	})
}
