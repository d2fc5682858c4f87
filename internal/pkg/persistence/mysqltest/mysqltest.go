// Package mysqltest 为存储适配器测试提供真实的 MySQL 连接。
// 未设置 TEST_MYSQL_DSN 或数据库不可达时跳过测试。
package mysqltest

import (
	"os"
	"testing"

	"fulfillment/internal/pkg/persistence"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const EnvDSN = "TEST_MYSQL_DSN"

// Open 打开测试库并执行 migrations，连接在测试结束时关闭
func Open(t testing.TB, migrations ...func(*gorm.DB) error) *gorm.DB {
	t.Helper()
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skipf("%s not set, skipping MySQL-backed test", EnvDSN)
	}
	db, err := persistence.OpenMySQL(persistence.MySQLOptions{DSN: dsn, MaxOpenConns: 10, MaxIdleConns: 2})
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, migrate := range migrations {
		require.NoError(t, migrate(db))
	}
	return db
}
