package database

import (
	"context"
	"database/sql"
	"fmt"
	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"refsync/internal/config"
	"strconv"
	"strings"
	"sync"
	"time"
)

// customerTelegramColumn links a shop customer to a community member.
const customerTelegramColumn = "telegram_id"

type MySql struct {
	db         *sql.DB
	loc        *time.Location
	prefix     string
	statuses   []int
	statements map[string]*sql.Stmt
	mu         sync.Mutex
}

func NewSQLClient(conf *config.Config) (*MySql, error) {
	if !conf.OpenCart.Enabled {
		return nil, fmt.Errorf("opencart client is disabled in configuration")
	}
	connectionURI := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		conf.OpenCart.UserName, conf.OpenCart.Password, conf.OpenCart.HostName, conf.OpenCart.Port, conf.OpenCart.Database)
	db, err := sql.Open(conf.OpenCart.Driver, connectionURI)
	if err != nil {
		return nil, fmt.Errorf("sql connect: %w", err)
	}

	// try to ping three times with a 30-second interval; wait for a database to start
	for i := 0; i < 3; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		if i == 2 {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		time.Sleep(30 * time.Second)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	loc, err := time.LoadLocation(conf.Referral.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}

	sdb := &MySql{
		db:         db,
		loc:        loc,
		prefix:     conf.OpenCart.Prefix,
		statuses:   conf.OpenCart.CompleteStatuses,
		statements: make(map[string]*sql.Stmt),
	}

	if err = sdb.addColumnIfNotExists("customer", customerTelegramColumn, "VARCHAR(32) NOT NULL DEFAULT ''"); err != nil {
		return nil, err
	}

	return sdb, nil
}

func (s *MySql) Close() {
	s.closeStmt()
	_ = s.db.Close()
}

// CompletedOrders counts orders in a complete status placed by the customer
// linked to the member within [from, to). Shop dates are in the shop's zone.
func (s *MySql) CompletedOrders(ctx context.Context, memberID string, from, to time.Time) (int, error) {
	stmt, err := s.stmtCountCompletedOrders()
	if err != nil {
		return 0, err
	}
	var count int
	err = stmt.QueryRowContext(ctx,
		memberID,
		from.In(s.loc).Format(time.DateTime),
		to.In(s.loc).Format(time.DateTime),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return count, nil
}

// statusList renders the configured status ids for an IN clause.
func (s *MySql) statusList() string {
	ids := make([]string, 0, len(s.statuses))
	for _, id := range s.statuses {
		ids = append(ids, strconv.Itoa(id))
	}
	if len(ids) == 0 {
		return "0"
	}
	return strings.Join(ids, ",")
}
