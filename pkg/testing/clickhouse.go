package payouttesting

import (
	"testing"

	"github.com/malbeclabs/payout/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/payout/pkg/clickhouse/testing"
)

// NewClient creates a migrated ClickHouse client against a random database on
// the given test container. The database is dropped when the test finishes.
func NewClient(t *testing.T, db *clickhousetesting.DB) clickhouse.Client {
	return clickhousetesting.NewMigratedClient(t, NewLogger(), db)
}
