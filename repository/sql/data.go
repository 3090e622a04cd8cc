package sql

import (
	"fmt"
	"strconv"
	"strings"
)

const messageColumns = "id, type, content, correlation_id, occurred_on_utc, processed_on_utc, retry_count, next_retry_utc, error"

// queries holds the statements of a repository written with '?' placeholders
// and rewritten to '$n' for drivers that need it.
type queries struct {
	insert          string
	getUnprocessed  string
	getById         string
	markProcessed   string
	markFailed      string
	markDeadLetter  string
	deleteProcessed string
	selectClaimable string
}

var defaultQueries = queries{
	insert:          "INSERT INTO outbox_messages (type, content, correlation_id, occurred_on_utc, retry_count) VALUES (?, ?, ?, ?, 0)",
	getUnprocessed:  "SELECT " + messageColumns + " FROM outbox_messages WHERE processed_on_utc IS NULL AND (next_retry_utc IS NULL OR next_retry_utc <= ?) ORDER BY occurred_on_utc ASC, id ASC LIMIT ?",
	getById:         "SELECT " + messageColumns + " FROM outbox_messages WHERE id = ?",
	markProcessed:   "UPDATE outbox_messages SET processed_on_utc = ?, locked_by = NULL, locked_until = NULL WHERE id = ? AND processed_on_utc IS NULL",
	markFailed:      "UPDATE outbox_messages SET retry_count = retry_count + 1, error = ?, next_retry_utc = ?, locked_by = NULL, locked_until = NULL WHERE id = ? AND retry_count = ? AND processed_on_utc IS NULL",
	markDeadLetter:  "UPDATE outbox_messages SET processed_on_utc = ?, retry_count = ?, error = ?, locked_by = NULL, locked_until = NULL WHERE id = ? AND processed_on_utc IS NULL",
	deleteProcessed: "DELETE FROM outbox_messages WHERE processed_on_utc IS NOT NULL AND processed_on_utc < ?",
	selectClaimable: "SELECT id FROM outbox_messages WHERE processed_on_utc IS NULL AND (next_retry_utc IS NULL OR next_retry_utc <= ?) AND (locked_until IS NULL OR locked_until <= ?) ORDER BY occurred_on_utc ASC, id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
}

// dollarQueries returns q with every placeholder numbered. The insert
// statement also returns the generated id, which drivers using '$n'
// placeholders (Postgres) cannot report through LastInsertId.
func dollarQueries(q queries) queries {
	return queries{
		insert:          convertToDollarPlaceholder(q.insert) + " RETURNING id",
		getUnprocessed:  convertToDollarPlaceholder(q.getUnprocessed),
		getById:         convertToDollarPlaceholder(q.getById),
		markProcessed:   convertToDollarPlaceholder(q.markProcessed),
		markFailed:      convertToDollarPlaceholder(q.markFailed),
		markDeadLetter:  convertToDollarPlaceholder(q.markDeadLetter),
		deleteProcessed: convertToDollarPlaceholder(q.deleteProcessed),
		selectClaimable: convertToDollarPlaceholder(q.selectClaimable),
	}
}

// leaseSql returns the statement leasing n claimed rows to an owner.
func leaseSql(n int, useDollar bool) string {
	return "UPDATE outbox_messages SET locked_by = " + placeholder(1, useDollar) +
		", locked_until = " + placeholder(2, useDollar) +
		" WHERE id IN (" + placeholders(n, 3, useDollar) + ")"
}

// getByIdsSql returns the select of n messages by id.
func getByIdsSql(n int, useDollar bool) string {
	return "SELECT " + messageColumns + " FROM outbox_messages WHERE id IN (" +
		placeholders(n, 1, useDollar) + ") ORDER BY occurred_on_utc ASC, id ASC"
}

func placeholders(n int, first int, useDollar bool) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = placeholder(first+i, useDollar)
	}
	return strings.Join(ps, ",")
}

func placeholder(position int, useDollar bool) string {
	if useDollar {
		return "$" + strconv.Itoa(position)
	}
	return "?"
}

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}
