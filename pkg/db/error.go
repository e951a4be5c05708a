package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsSQLite reports whether the connected dialector is sqlite. A few
// statements need a dialect split (GREATEST vs MAX, FOR UPDATE support).
func IsSQLite(db *gorm.DB) bool {
	if db == nil {
		return false
	}
	return strings.EqualFold(db.Dialector.Name(), "sqlite")
}
