package offline

import (
	"context"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	"gorm.io/gorm"
)

const defaultIteratorBatch = 500

type query struct {
	entityID     *int64
	timeRange    *eventdomain.TimeRange
	partitionKey string
	labeledOnly  bool
}

// Iterator pages through offline records lazily via keyset pagination, so
// consumers can stream partitions far larger than memory. It tolerates a
// partition still being written: it simply stops at whatever rows are
// visible. Reset restarts the sequence from the beginning.
type Iterator struct {
	db        *gorm.DB
	q         query
	batchSize int

	buf    []Record
	idx    int
	lastID snowflake.ID
	done   bool
}

func newIterator(db *gorm.DB, q query) *Iterator {
	return &Iterator{
		db:        db,
		q:         q,
		batchSize: defaultIteratorBatch,
	}
}

// Next returns the next record, or (nil, nil) when the sequence is
// exhausted.
func (it *Iterator) Next(ctx context.Context) (*Record, error) {
	if it.idx < len(it.buf) {
		record := it.buf[it.idx]
		it.idx++
		return &record, nil
	}
	if it.done {
		return nil, nil
	}

	if err := it.fetch(ctx); err != nil {
		return nil, err
	}
	if len(it.buf) == 0 {
		it.done = true
		return nil, nil
	}

	record := it.buf[it.idx]
	it.idx++
	return &record, nil
}

// Reset restarts iteration from the first record.
func (it *Iterator) Reset() {
	it.buf = nil
	it.idx = 0
	it.lastID = 0
	it.done = false
}

// Collect drains the remaining sequence into memory. Intended for bounded
// ranges; large scans should consume Next directly.
func (it *Iterator) Collect(ctx context.Context) ([]Record, error) {
	var out []Record
	for {
		record, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return out, nil
		}
		out = append(out, *record)
	}
}

func (it *Iterator) fetch(ctx context.Context) error {
	stmt := it.db.WithContext(ctx).
		Where("id > ?", int64(it.lastID)).
		Order("id ASC").
		Limit(it.batchSize)

	if it.q.partitionKey != "" {
		stmt = stmt.Where("partition_key = ?", it.q.partitionKey)
	}
	if it.q.entityID != nil {
		stmt = stmt.Where("entity_id = ?", *it.q.entityID)
	}
	if it.q.timeRange != nil {
		stmt = stmt.Where("as_of <= ?", it.q.timeRange.To)
		if !it.q.timeRange.From.IsZero() {
			stmt = stmt.Where("as_of > ?", it.q.timeRange.From)
		}
	}
	if it.q.labeledOnly {
		stmt = stmt.Where("churned IS NOT NULL")
	}

	var batch []Record
	if err := stmt.Find(&batch).Error; err != nil {
		return storeErr(err)
	}

	it.buf = batch
	it.idx = 0
	if len(batch) > 0 {
		it.lastID = batch[len(batch)-1].ID
	}
	if len(batch) < it.batchSize {
		it.done = true
	}
	return nil
}
