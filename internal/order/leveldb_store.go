package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const orderPrefix = "order:"

// LevelDBStore keeps orders in the node's embedded database under the
// "order:" key prefix. Orders are few per node, so lookups by address
// scan the prefix.
type LevelDBStore struct {
	db *leveldb.DB
	mu sync.Mutex // serializes Create's existence check
}

// NewLevelDBStore wraps an open database owned by the caller.
func NewLevelDBStore(db *leveldb.DB) *LevelDBStore {
	return &LevelDBStore{db: db}
}

func orderKey(id string) []byte {
	return []byte(orderPrefix + id)
}

func (l *LevelDBStore) Create(ctx context.Context, o *Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(orderKey(o.ID), nil)
	if err != nil {
		return err
	}
	if ok {
		return ErrOrderExists
	}
	return l.put(o)
}

func (l *LevelDBStore) put(o *Order) error {
	blob, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	return l.db.Put(orderKey(o.ID), blob, nil)
}

func (l *LevelDBStore) Get(ctx context.Context, id string) (*Order, error) {
	blob, err := l.db.Get(orderKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	var o Order
	if err := json.Unmarshal(blob, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", id, err)
	}
	return &o, nil
}

func (l *LevelDBStore) Update(ctx context.Context, o *Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(orderKey(o.ID), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOrderNotFound
	}
	return l.put(o)
}

func (l *LevelDBStore) List(ctx context.Context, f Filter) ([]*Order, error) {
	out, err := l.scan(f.match)
	if err != nil {
		return nil, err
	}
	return limitNewest(out, f.Limit), nil
}

func (l *LevelDBStore) ListByAddress(ctx context.Context, address string) ([]*Order, error) {
	return l.scan(func(o *Order) bool {
		return sameAddress(o.PaymentAddress(), address)
	})
}

func (l *LevelDBStore) scan(keep func(*Order) bool) ([]*Order, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(orderPrefix)), nil)
	defer iter.Release()

	var out []*Order
	for iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", iter.Key(), err)
		}
		if keep(&o) {
			out = append(out, &o)
		}
	}
	return out, iter.Error()
}
