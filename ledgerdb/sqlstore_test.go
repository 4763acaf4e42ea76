package ledgerdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBucketSelectQueryScope asserts the bucket row lock is only taken in
// writable scopes. Postgres rejects FOR UPDATE inside a read only
// transaction, so balance reads issued under ReadTxOpt must not request it.
func TestBucketSelectQueryScope(t *testing.T) {
	t.Parallel()

	require.Contains(t, bucketSelectQuery(false), "FOR UPDATE")
	require.NotContains(t, bucketSelectQuery(true), "FOR UPDATE")
}

// TestQueriesScopePropagation asserts that ExecTx hands the body a query set
// carrying the scope's read only flag, so the lock decision above tracks the
// transaction mode actually begun on the database.
func TestQueriesScopePropagation(t *testing.T) {
	t.Parallel()

	readQueries := &sqlQueries{readOnly: ReadTxOpt().ReadOnly()}
	writeQueries := &sqlQueries{readOnly: WriteTxOpt().ReadOnly()}

	require.True(t, readQueries.readOnly)
	require.False(t, writeQueries.readOnly)
}
