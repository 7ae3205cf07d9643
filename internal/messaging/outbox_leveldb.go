package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const outboxPrefix = "outbox:"

// LevelDBOutbox stores entries in the node's embedded database under the
// "outbox:" key prefix. The database is owned by the caller.
type LevelDBOutbox struct {
	db *leveldb.DB
}

// NewLevelDBOutbox wraps an open database.
func NewLevelDBOutbox(db *leveldb.DB) *LevelDBOutbox {
	return &LevelDBOutbox{db: db}
}

func outboxKey(id string) []byte {
	return []byte(outboxPrefix + id)
}

func (l *LevelDBOutbox) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	return l.put(entry)
}

func (l *LevelDBOutbox) put(entry *OutboxEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	return l.db.Put(outboxKey(entry.ID()), blob, nil)
}

func (l *LevelDBOutbox) Pending(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(outboxPrefix)), nil)
	defer iter.Release()

	var out []*OutboxEntry
	for iter.Next() {
		var e OutboxEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode outbox entry %s: %w", iter.Key(), err)
		}
		if due(&e, now) {
			out = append(out, &e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *LevelDBOutbox) Update(ctx context.Context, entry *OutboxEntry) error {
	if _, err := l.db.Get(outboxKey(entry.ID()), nil); err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return ErrEntryNotFound
		}
		return err
	}
	return l.put(entry)
}

func (l *LevelDBOutbox) Remove(ctx context.Context, id string) error {
	return l.db.Delete(outboxKey(id), nil)
}

func (l *LevelDBOutbox) Len(ctx context.Context) (int, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(outboxPrefix)), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}
