package db

import (
	"fmt"
	"net"
	"time"

	"roomcast/config"
	"roomcast/logger"
	"roomcast/model"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DSN 由驱动自己拼装，避免密码中的特殊字符破坏格式
func DSN(cfg *config.Config) string {
	c := mysqldriver.NewConfig()
	c.User = cfg.DBUser
	c.Passwd = cfg.DBPassword
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	c.DBName = cfg.DBName
	c.ParseTime = true
	c.Loc = time.Local
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}

// ConnectGormDB 建立 GORM 数据库连接（只用于第三方服务凭证）
func ConnectGormDB(cfg *config.Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(mysql.Open(DSN(cfg)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		// 禁用外键约束
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database with GORM: %w", err)
	}

	// 获取底层的 sql.DB 并配置连接池
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := gdb.AutoMigrate(&model.ServiceAuthentication{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate models: %w", err)
	}

	logger.Info("Successfully connected to the database with GORM",
		logger.String("host", cfg.DBHost), logger.String("db", cfg.DBName))
	return gdb, nil
}

// CloseGormDB 关闭 GORM 数据库连接
func CloseGormDB(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
