package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailindex/internal/model"
)

// BatchResult summarizes a BatchUpsertMessages call.
type BatchResult struct {
	Inserted int
	Updated  int
	Failed   int
	Errors   []string
	Duration time.Duration
}

// Total returns the number of messages the batch looked at.
func (r *BatchResult) Total() int {
	return r.Inserted + r.Updated + r.Failed
}

// BatchUpsertMessages upserts msgs in chunks of the configured batch size,
// one transaction per chunk. A message that fails is rolled back on its own
// and recorded in the result; it never aborts the rest of the batch.
// Upserting the same messages twice leaves the store unchanged.
func (s *SQLiteStore) BatchUpsertMessages(ctx context.Context, msgs []model.Message) (*BatchResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &BatchResult{}

	for offset := 0; offset < len(msgs); offset += s.batchSize {
		end := offset + s.batchSize
		if end > len(msgs) {
			end = len(msgs)
		}

		chunk, err := s.upsertChunk(ctx, msgs[offset:end], offset)
		if err != nil {
			// The whole chunk is lost; account for every row in it.
			s.log.WithError(err).WithFields(logrus.Fields{
				"offset": offset,
				"size":   end - offset,
			}).Warn("Batch chunk failed")
			for i := offset; i < end; i++ {
				result.Failed++
				result.Errors = append(result.Errors,
					fmt.Sprintf("message %s: %v", batchLabel(msgs[i], i), err))
			}
			continue
		}

		result.Inserted += chunk.Inserted
		result.Updated += chunk.Updated
		result.Failed += chunk.Failed
		result.Errors = append(result.Errors, chunk.Errors...)
	}

	result.Duration = time.Since(start)
	s.log.WithFields(logrus.Fields{
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"failed":   result.Failed,
		"duration": result.Duration,
	}).Debug("Batch upsert finished")

	return result, nil
}

// upsertChunk writes one chunk in a single transaction. Each row runs under
// its own savepoint so a failing row leaves no partial writes behind.
func (s *SQLiteStore) upsertChunk(ctx context.Context, msgs []model.Message, offset int) (*BatchResult, error) {
	var chunk *BatchResult

	err := s.inTx(ctx, "batch upsert", func(tx *sqlx.Tx) error {
		// The transaction may be retried; start counting afresh each time.
		chunk = &BatchResult{}
		now := time.Now()

		for i, msg := range msgs {
			if err := validateMessage(msg); err != nil {
				chunk.Failed++
				chunk.Errors = append(chunk.Errors,
					fmt.Sprintf("message %s: %v", batchLabel(msg, offset+i), err))
				continue
			}

			if _, err := tx.ExecContext(ctx, "SAVEPOINT batch_row"); err != nil {
				return fmt.Errorf("opening savepoint: %w", err)
			}

			inserted, err := upsertMessageTx(ctx, tx, msg, now)
			if err != nil {
				if isLockError(err) {
					return err
				}
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO batch_row"); rbErr != nil {
					return fmt.Errorf("rolling back savepoint: %w", rbErr)
				}
				chunk.Failed++
				chunk.Errors = append(chunk.Errors,
					fmt.Sprintf("message %s: %v", batchLabel(msg, offset+i), err))
			} else if inserted {
				chunk.Inserted++
			} else {
				chunk.Updated++
			}

			if _, err := tx.ExecContext(ctx, "RELEASE batch_row"); err != nil {
				return fmt.Errorf("releasing savepoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func batchLabel(msg model.Message, index int) string {
	if msg.ID != "" {
		return msg.ID
	}
	return fmt.Sprintf("#%d", index)
}
