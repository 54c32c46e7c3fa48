package db

import (
	"context"
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/pkg/config"
)

type ledgerRow struct {
	ID     int
	Amount int
}

func openMemory(t *testing.T, name string) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&ledgerRow{}); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return conn
}

func countRows(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := conn.Model(&ledgerRow{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestWithTxCommitsOnNil(t *testing.T) {
	conn := openMemory(t, "tx_commit")
	client := FromConn(conn)

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&ledgerRow{Amount: 5}).Error
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := countRows(t, conn); got != 1 {
		t.Fatalf("expected 1 row, got %d", got)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	conn := openMemory(t, "tx_rollback")
	client := FromConn(conn)
	boom := errors.New("boom")

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Create(&ledgerRow{Amount: -5}).Error; err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := countRows(t, conn); got != 0 {
		t.Fatalf("expected rollback, got %d rows", got)
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	conn := openMemory(t, "tx_panic")
	client := FromConn(conn)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			if err := tx.Create(&ledgerRow{Amount: 1}).Error; err != nil {
				return err
			}
			panic("mid-transaction")
		})
	}()
	if got := countRows(t, conn); got != 0 {
		t.Fatalf("expected rollback after panic, got %d rows", got)
	}
}

func TestNewOpensSQLite(t *testing.T) {
	client, err := New(context.Background(), config.DBConfig{Driver: DriverSQLite, DSN: "file:new_client?mode=memory&cache=shared"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(context.Background(), config.DBConfig{}, nil); !errors.Is(err, errDSNRequired) {
		t.Fatalf("expected missing DSN error, got %v", err)
	}
	if _, err := New(context.Background(), config.DBConfig{Driver: "mysql", DSN: "x"}, nil); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:unique_test?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	type keyedRow struct {
		ID  int
		Key string `gorm:"uniqueIndex"`
	}
	if err := conn.AutoMigrate(&keyedRow{}); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	if err := conn.Create(&keyedRow{Key: "a"}).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dupErr := conn.Create(&keyedRow{Key: "a"}).Error
	if !IsUniqueViolation(dupErr, "") {
		t.Fatalf("expected unique violation, got %v", dupErr)
	}
	if IsUniqueViolation(errors.New("boom"), "") || IsUniqueViolation(nil, "") {
		t.Fatal("plain and nil errors are not unique violations")
	}
}
