package ledger

import (
	"context"
	"testing"

	"github.com/angelmondragon/bodyscan-backend/pkg/db"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:ledger_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	conn := newTestDB(t)
	svc, err := NewService(ServiceParams{Repo: NewRepository(conn), Tx: db.NewFromConn(conn)})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, conn
}

func seedAccount(t *testing.T, conn *gorm.DB, quick, premium int) uuid.UUID {
	t.Helper()
	account := models.Account{ID: uuid.New(), QuickBalance: quick, PremiumBalance: premium}
	if err := conn.WithContext(context.Background()).Create(&account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account.ID
}

func loadAccount(t *testing.T, conn *gorm.DB, id uuid.UUID) models.Account {
	t.Helper()
	var account models.Account
	if err := conn.First(&account, "id = ?", id).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	return account
}

func countEntries(t *testing.T, conn *gorm.DB, id uuid.UUID) int64 {
	t.Helper()
	var count int64
	if err := conn.Model(&models.LedgerEntry{}).Where("account_id = ?", id).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	return count
}
