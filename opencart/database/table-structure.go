package database

import (
	"database/sql"
	"errors"
	"fmt"
)

func (s *MySql) addColumnIfNotExists(tableName, columnName, columnType string) error {
	var column string
	err := s.db.QueryRow(
		`SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = ? AND COLUMN_NAME = ?`,
		s.prefix+tableName, columnName,
	).Scan(&column)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Column does not exist, so add it
			alterQuery := fmt.Sprintf(`ALTER TABLE %s%s ADD COLUMN %s %s`, s.prefix, tableName, columnName, columnType)
			_, err = s.db.Exec(alterQuery)
			if err != nil {
				return fmt.Errorf("add column %s to table %s: %w", columnName, tableName, err)
			}
		} else {
			return fmt.Errorf("checking column %s existence in %s: %w", columnName, tableName, err)
		}
	}
	return nil
}
