package sqlguard

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE disk_full.
const pgDiskFull = "53100"

// MySQL ER_DISK_FULL and ER_RECORD_FILE_FULL.
const (
	mysqlDiskFull       = 1021
	mysqlRecordFileFull = 1114
)

var storageExhaustionMarkers = []string{
	"space left on device",
	"disk full",
}

// IsStorageExhausted reports whether err means the database server ran out of
// disk while running an otherwise acceptable statement.
func IsStorageExhausted(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDiskFull {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlDiskFull || myErr.Number == mysqlRecordFileFull) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range storageExhaustionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
