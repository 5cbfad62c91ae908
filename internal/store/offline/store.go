package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	"github.com/smallbiznis/retain/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Log   *zap.Logger
}

type Store struct {
	db    *gorm.DB
	genID *snowflake.Node
	log   *zap.Logger
}

func NewStore(p Params) *Store {
	return &Store{
		db:    p.DB,
		genID: p.GenID,
		log:   p.Log.Named("store.offline"),
	}
}

// RejectedRecord identifies one record refused by an append, with the
// violation that caused it.
type RejectedRecord struct {
	EntityID int64
	AsOf     time.Time
	Err      error
}

// AppendResult reports per-record outcomes; a rejection never aborts the
// rest of the batch.
type AppendResult struct {
	Appended  int
	Corrected int
	Rejected  []RejectedRecord
}

// Append persists a batch of records. Without overwrite, a record whose
// (entity_id, as_of) already exists is an invariant violation: it is logged
// loudly, rejected, and the batch continues. With overwrite, the existing
// row is replaced and flagged with CorrectedAt, the deliberate backfill
// correction path rather than a silent merge.
func (s *Store) Append(ctx context.Context, batch []Record, overwrite bool) (AppendResult, error) {
	var result AppendResult

	for _, record := range batch {
		if err := validateRecord(record); err != nil {
			s.log.Error("rejecting invalid offline record",
				zap.Int64("entity_id", record.EntityID),
				zap.Time("as_of", record.AsOf),
				zap.Error(err),
			)
			result.Rejected = append(result.Rejected, RejectedRecord{
				EntityID: record.EntityID,
				AsOf:     record.AsOf,
				Err:      err,
			})
			continue
		}

		if overwrite {
			corrected, err := s.appendOverwrite(ctx, record)
			if err != nil {
				return result, err
			}
			if corrected {
				result.Corrected++
			} else {
				result.Appended++
			}
			continue
		}

		if record.ID == 0 {
			record.ID = s.genID.Generate()
		}
		err := s.db.WithContext(ctx).Create(&record).Error
		switch {
		case err == nil:
			result.Appended++
		case db.IsDuplicateKeyErr(err):
			s.log.Error("duplicate offline record rejected",
				zap.Int64("entity_id", record.EntityID),
				zap.Time("as_of", record.AsOf),
				zap.String("partition", record.PartitionKey),
			)
			result.Rejected = append(result.Rejected, RejectedRecord{
				EntityID: record.EntityID,
				AsOf:     record.AsOf,
				Err:      ErrDuplicateRecord,
			})
		default:
			return result, storeErr(err)
		}
	}

	return result, nil
}

// appendOverwrite replaces any existing row for the record's key and stamps
// CorrectedAt when a previous row was overwritten.
func (s *Store) appendOverwrite(ctx context.Context, record Record) (bool, error) {
	var existing Record
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND as_of = ?", record.EntityID, record.AsOf).
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if record.ID == 0 {
			record.ID = s.genID.Generate()
		}
		// A concurrent writer can land the key between the lookup and
		// this insert. The unique index still holds; classify the
		// collision instead of reporting the store down.
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return false, fmt.Errorf("%w: entity %d at %s",
					ErrDuplicateRecord, record.EntityID, record.AsOf.Format(time.RFC3339))
			}
			return false, storeErr(err)
		}
		return false, nil
	case err != nil:
		return false, storeErr(err)
	}

	now := time.Now().UTC()
	record.ID = existing.ID
	record.CorrectedAt = &now
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return false, storeErr(err)
	}
	s.log.Info("offline record corrected",
		zap.Int64("entity_id", record.EntityID),
		zap.Time("as_of", record.AsOf),
	)
	return true, nil
}

// Read returns a restartable iterator over records with AsOf inside the
// half-open range, optionally restricted to one entity. An empty historical
// range yields an empty iterator, not an error.
func (s *Store) Read(entityID *int64, tr eventdomain.TimeRange) (*Iterator, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return newIterator(s.db, query{entityID: entityID, timeRange: &tr}), nil
}

// ReadPartition returns a restartable iterator over one partition. Unknown
// partitions yield an empty iterator: an empty day is absence, not failure.
func (s *Store) ReadPartition(partitionKey string) *Iterator {
	return newIterator(s.db, query{partitionKey: partitionKey})
}

// ReadLabeled returns an iterator over records in the range that carry a
// label, for training-set extraction.
func (s *Store) ReadLabeled(tr eventdomain.TimeRange) (*Iterator, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return newIterator(s.db, query{timeRange: &tr, labeledOnly: true}), nil
}

// RecordKey identifies one stored snapshot row.
type RecordKey struct {
	EntityID int64
	AsOf     time.Time
}

// UnlabeledKeys returns the keys of label-less records with AsOf inside the
// half-open range, ordered by as-of then entity.
func (s *Store) UnlabeledKeys(ctx context.Context, tr eventdomain.TimeRange) ([]RecordKey, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	stmt := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("entity_id", "as_of").
		Where("churned IS NULL").
		Where("as_of <= ?", tr.To)
	if !tr.From.IsZero() {
		stmt = stmt.Where("as_of > ?", tr.From)
	}

	var keys []RecordKey
	if err := stmt.Order("as_of ASC, entity_id ASC").Find(&keys).Error; err != nil {
		return nil, storeErr(err)
	}
	return keys, nil
}

// LatestPartitionAt returns the newest partition key at or before asOf, or
// "" when the store holds nothing that old.
func (s *Store) LatestPartitionAt(ctx context.Context, asOf time.Time) (string, error) {
	var key *string
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("MAX(partition_key)").
		Where("partition_key <= ?", PartitionKey(asOf)).
		Scan(&key).Error
	if err != nil {
		return "", storeErr(err)
	}
	if key == nil {
		return "", nil
	}
	return *key, nil
}

func validateRecord(record Record) error {
	if record.EntityID == 0 {
		return fmt.Errorf("%w: missing entity id", ErrInvalidRecord)
	}
	if record.AsOf.IsZero() {
		return fmt.Errorf("%w: missing as-of time", ErrInvalidRecord)
	}
	if len(record.Values) == 0 {
		return fmt.Errorf("%w: empty feature values", ErrInvalidRecord)
	}
	if record.PartitionKey != PartitionKey(record.AsOf) {
		return fmt.Errorf("%w: partition key does not match as-of time", ErrInvalidRecord)
	}
	return nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
