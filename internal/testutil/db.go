// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/tenant-chat/internal/models"
)

var dbSeq atomic.Int64

// OpenDB returns a private in-memory SQLite database migrated with every entity plus
// extra. One connection keeps the memory database alive and serializes writers.
func OpenDB(t *testing.T, extra ...any) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(append(models.All(), extra...)...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func Ptr[T any](v T) *T { return &v }

// SeedTenant inserts an active tenant with the given id.
func SeedTenant(t *testing.T, db *gorm.DB, id string) *models.Tenant {
	t.Helper()
	tn := &models.Tenant{ID: id, Slug: "slug-" + strings.ToLower(id), Name: "Tenant " + id, Active: true}
	if err := db.Create(tn).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return tn
}
