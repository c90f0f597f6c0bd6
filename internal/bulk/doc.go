// Package bulk implements the temp-table bulk write protocol.
//
// A batch is streamed into a per-batch temp table by a backend-native
// Writer, tagged with a synthetic ascending __row_index. One set-based
// statement then moves the rows into the target table: INSERT ... SELECT
// ... ORDER BY __row_index RETURNING for inserts, UPDATE ... FROM for
// updates. The RETURNING order of a bulk insert is not guaranteed, so the
// returned identities are sorted and assigned back in staging order. The
// temp table is dropped before the loader returns.
//
// Writers:
//
//	SQLiteWriter  chunked multi-row INSERT ... VALUES
//	CopyWriter    PostgreSQL COPY FROM STDIN via lib/pq
package bulk
