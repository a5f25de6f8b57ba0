package private

import (
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/payload"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BuildRequest asks for a payload on the current head. An empty parent
// hash builds on the head, a zero gas limit uses the head's gas limit.
type BuildRequest struct {
	ParentHash string `json:"parentHash" validate:"omitempty,len=66,hexadecimal"`
	GasLimit   uint64 `json:"gasLimit" validate:"omitempty,min=21000"`
}

// Head describes a canonical block.
type Head struct {
	Hash       common.Hash  `json:"hash"`
	ParentHash common.Hash  `json:"parentHash"`
	Number     uint64       `json:"number"`
	Time       uint64       `json:"timestamp"`
	GasLimit   uint64       `json:"gasLimit"`
	BaseFee    *hexutil.Big `json:"baseFeePerGas,omitempty"`
}

func toHead(h chain.Head) Head {
	return Head{
		Hash:       h.Hash,
		ParentHash: h.ParentHash,
		Number:     h.Number,
		Time:       h.Time,
		GasLimit:   h.GasLimit,
		BaseFee:    (*hexutil.Big)(h.BaseFee),
	}
}

// Payload describes a build job and what it assembled.
type Payload struct {
	ID              string        `json:"id"`
	Status          string        `json:"status"`
	Parent          common.Hash   `json:"parentHash"`
	Number          uint64        `json:"number"`
	GasLimit        uint64        `json:"gasLimit"`
	GasUsed         uint64        `json:"gasUsed"`
	VerifiedGasUsed uint64        `json:"verifiedGasUsed"`
	RegularGasUsed  uint64        `json:"regularGasUsed"`
	TxHash          common.Hash   `json:"transactionsRoot"`
	Transactions    []common.Hash `json:"transactions"`
	Verified        int           `json:"verified"`
	Dropped         []common.Hash `json:"dropped,omitempty"`
	Invalid         []common.Hash `json:"invalid,omitempty"`
}

func toPayload(status payload.Status, p payload.Payload) Payload {
	out := Payload{
		ID:              p.ID,
		Status:          status.String(),
		Parent:          p.Parent.Hash,
		Number:          p.Parent.Number + 1,
		GasLimit:        p.GasLimit,
		GasUsed:         p.GasUsed(),
		VerifiedGasUsed: p.VerifiedGasUsed,
		RegularGasUsed:  p.RegularGasUsed,
		TxHash:          p.TxHash(),
		Transactions:    make([]common.Hash, len(p.Transactions)),
		Dropped:         p.Dropped,
		Invalid:         p.Invalid,
	}

	for i, tx := range p.Transactions {
		out.Transactions[i] = tx.Hash()
		if tx.Verified() {
			out.Verified++
		}
	}

	return out
}

// Commit reports the tickets a payload won.
type Commit struct {
	ID        string `json:"id"`
	Committed int    `json:"committed"`
}

// Status describes the builder.
type Status struct {
	Head      Head   `json:"head"`
	Verified  int    `json:"verified"`
	Regular   int    `json:"regular"`
	Jobs      int    `json:"jobs"`
	Best      string `json:"best,omitempty"`
	Window    string `json:"window"`
	Committed int    `json:"committed"`
	Reserved  int    `json:"reserved"`
	Held      int    `json:"held"`
}
