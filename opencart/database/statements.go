package database

import (
	"database/sql"
	"fmt"
)

func (s *MySql) prepareStmt(name, query string) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stmt, ok := s.statements[name]; ok {
		return stmt, nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("prepare statement [%s]: %w", name, err)
	}

	s.statements[name] = stmt
	return stmt, nil
}

func (s *MySql) closeStmt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, stmt := range s.statements {
		_ = stmt.Close()
		delete(s.statements, name)
	}
}

func (s *MySql) stmtCountCompletedOrders() (*sql.Stmt, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %sorder o
                   JOIN %scustomer c ON c.customer_id = o.customer_id
                   WHERE c.%s = ?
                   AND o.order_status_id IN (%s)
                   AND o.date_added >= ?
                   AND o.date_added < ?`,
		s.prefix, s.prefix, customerTelegramColumn, s.statusList(),
	)
	return s.prepareStmt("countCompletedOrders", query)
}
