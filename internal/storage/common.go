package storage

import (
	"time"

	"github.com/intearnear/oraclebroker/internal/common/retry"
	"github.com/rs/zerolog"
)

const defaultRetryBackoff = 5 * time.Millisecond

// commonStorage bundles the DB handle, logger and retry runner every
// storage type in this package embeds, mirroring the teacher's
// commonStorage/makeCommonStorage pattern in task_storage.go.
type commonStorage struct {
	db          *DB
	logger      zerolog.Logger
	retryRunner *retry.Runner
}

func makeCommonStorage(db *DB, logger zerolog.Logger, nonRetryable []error) commonStorage {
	return commonStorage{
		db:          db,
		logger:      logger,
		retryRunner: retry.NewRunner(3, defaultRetryBackoff, nonRetryable),
	}
}
