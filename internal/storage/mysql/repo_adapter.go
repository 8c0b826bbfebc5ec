package mysql

import (
	"context"

	"koboetl/internal/storage"
)

// newRepository is a test hook that points to NewRepository by default.
var newRepository = NewRepository

var _ storage.Dialect = Dialect{}

func init() {
	storage.Register("mysql", func(ctx context.Context, cfg storage.Config) (*storage.DB, error) {
		return newRepository(ctx, cfg)
	})
}
