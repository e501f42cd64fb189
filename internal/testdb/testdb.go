// Package testdb opens throwaway in-memory databases for service tests.
package testdb

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	billingdomain "github.com/meterkit/creditledger/internal/billing/domain"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	userdomain "github.com/meterkit/creditledger/internal/user/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns an isolated in-memory sqlite handle with the full schema
// migrated. FOR UPDATE clauses are stripped before execution because sqlite
// has no row locks; single-connection mode keeps transactions serialized the
// same way the locks would.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&creditdomain.Grant{},
		&creditdomain.LogEntry{},
		&userdomain.User{},
		&billingdomain.PaymentRecord{},
	); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}

	return db
}
