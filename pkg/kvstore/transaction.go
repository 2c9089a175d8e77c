package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"replsvc/pkg/compression"
	"replsvc/pkg/dberrors"
)

const (
	codecJSON byte = iota
	codecZstd
)

// compressThreshold is the encoded size above which transactions are
// compressed before being proposed.
const compressThreshold = 512

type OpType uint8

const (
	OpPut OpType = iota + 1
	OpErase
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpErase:
		return "erase"
	default:
		return fmt.Sprintf("op(%d)", uint8(t))
	}
}

type Op struct {
	Type   OpType `json:"type"`
	Prefix string `json:"prefix"`
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
}

// Transaction is an ordered batch of writes applied atomically by a Store.
type Transaction struct {
	Ops []Op `json:"ops"`
}

func NewTransaction() *Transaction {
	return &Transaction{}
}

func (t *Transaction) Put(prefix, key string, value []byte) {
	t.Ops = append(t.Ops, Op{Type: OpPut, Prefix: prefix, Key: key, Value: value})
}

func (t *Transaction) PutUint(prefix, key string, v uint64) {
	t.Put(prefix, key, EncodeUint(v))
}

func (t *Transaction) Erase(prefix, key string) {
	t.Ops = append(t.Ops, Op{Type: OpErase, Prefix: prefix, Key: key})
}

func (t *Transaction) Append(other *Transaction) {
	t.Ops = append(t.Ops, other.Ops...)
}

func (t *Transaction) Empty() bool {
	return len(t.Ops) == 0
}

func (t *Transaction) Len() int {
	return len(t.Ops)
}

// Encode serializes the transaction. Large transactions are zstd compressed;
// the first byte tells which codec was used.
func (t *Transaction) Encode() ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}

	if len(raw) <= compressThreshold {
		return append([]byte{codecJSON}, raw...), nil
	}

	packed, err := compression.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress transaction: %w", err)
	}
	return append([]byte{codecZstd}, packed...), nil
}

func DecodeTransaction(data []byte) (*Transaction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", dberrors.ErrCorruptValue)
	}

	raw := data[1:]
	switch data[0] {
	case codecJSON:
	case codecZstd:
		var err error
		raw, err = compression.Decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("decompress transaction: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", dberrors.ErrCorruptValue, data[0])
	}

	var t Transaction
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &t, nil
}

func EncodeUint(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func DecodeUint(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: uint value of %d bytes", dberrors.ErrCorruptValue, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func validate(t *Transaction) error {
	for i, op := range t.Ops {
		if op.Type != OpPut && op.Type != OpErase {
			return fmt.Errorf("%w: op %d has type %v", dberrors.ErrInvalidArgument, i, op.Type)
		}
		if op.Prefix == "" {
			return fmt.Errorf("%w: op %d has empty prefix", dberrors.ErrInvalidArgument, i)
		}
	}
	return nil
}
