package sqlstore

import (
	"fmt"
	"strings"

	"github.com/viant/sqlite-dedup/partition"
)

// RegistryTable lists every partition created by a Store.
const RegistryTable = "dedup_partitions"

// RegistryDDL returns the DDL for the partition registry.
func RegistryDDL() string {
	return `CREATE TABLE IF NOT EXISTS ` + RegistryTable + ` (
    name       TEXT PRIMARY KEY,
    key        TEXT NOT NULL,
    bits       INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
}

// PartitionTableDDL returns the table and unique index DDL for a partition
// holding fingerprints of k segments. "_fp" does not decode as a key escape,
// so the index name never equals another partition's table name.
func PartitionTableDDL(name string, k int) []string {
	cols := segmentColumns(k)
	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(partition.Quote(name))
	sb.WriteString(" (\n    message_id INTEGER PRIMARY KEY,\n")
	for _, c := range cols {
		sb.WriteString("    ")
		sb.WriteString(c)
		sb.WriteString(" INTEGER NOT NULL,\n")
	}
	sb.WriteString("    seq INTEGER NOT NULL\n);")
	index := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s);",
		partition.Quote(name+"_fp"), partition.Quote(name), strings.Join(cols, ", "))
	return []string{sb.String(), index}
}

// expectedColumns lists the partition table columns in declaration order.
func expectedColumns(k int) []string {
	out := make([]string, 0, k+2)
	out = append(out, "message_id")
	out = append(out, segmentColumns(k)...)
	return append(out, "seq")
}

func segmentColumns(k int) []string {
	cols := make([]string, k)
	for i := range cols {
		cols[i] = fmt.Sprintf("s%d", i)
	}
	return cols
}

// statements holds the SQL text used for one partition.
type statements struct {
	get    string
	insert string
	scan   string
	within string
}

func buildStatements(name string, k int) statements {
	table := partition.Quote(name)
	cols := segmentColumns(k)
	seg := strings.Join(cols, ", ")
	eq := make([]string, k)
	for i, c := range cols {
		eq[i] = c + " = ?"
	}
	params := strings.TrimSuffix(strings.Repeat("?, ", k), ", ")
	return statements{
		get: fmt.Sprintf("SELECT message_id, seq FROM %s WHERE %s", table, strings.Join(eq, " AND ")),
		insert: fmt.Sprintf("INSERT INTO %[1]s(message_id, %[2]s, seq) SELECT ?, %[3]s, COALESCE(MAX(seq), 0) + 1 FROM %[1]s RETURNING seq",
			table, seg, params),
		scan: fmt.Sprintf("SELECT message_id, %s, seq FROM %s", seg, table),
		within: fmt.Sprintf(`SELECT message_id, %[2]s, seq, distance FROM (
    SELECT message_id, %[2]s, seq, hamming_seg(%[2]s, %[3]s) AS distance FROM %[1]s
) WHERE distance <= ? ORDER BY distance, seq, message_id`, table, seg, params),
	}
}
