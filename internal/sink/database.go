package sink

import (
	"context"
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database inserts records into a SQL table, one row per record.
type Database struct {
	db       *gorm.DB
	table    string
	deviceID string
}

// OpenDatabase connects with the driver named by _db_driver and migrates the
// measurement table.
func OpenDatabase(cfg *config.Config) (*Database, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.MySQLUser, cfg.MySQLPass, cfg.MySQLHost, cfg.MySQLPort, cfg.MySQLDatabase)
		dialector = mysql.Open(dsn)
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.MySQLHost, cfg.MySQLUser, cfg.MySQLPass, cfg.MySQLDatabase, cfg.MySQLPort)
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported _db_driver %q (use 'mysql', 'postgres' or 'sqlite')", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	d, err := NewDatabase(db, cfg.MySQLDBTable, cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	log.Printf("[db] opened %s table %s", cfg.DBDriver, d.table)
	return d, nil
}

// NewDatabase wraps an open connection and migrates table.
func NewDatabase(db *gorm.DB, table, deviceID string) (*Database, error) {
	if table == "" {
		table = "measurements"
	}
	if err := db.Table(table).AutoMigrate(&models.Measurement{}); err != nil {
		return nil, fmt.Errorf("auto-migrate %s: %w", table, err)
	}
	return &Database{db: db, table: table, deviceID: deviceID}, nil
}

func (d *Database) Name() string { return "database" }

func (d *Database) Send(ctx context.Context, b Batch) error {
	if b.Signal != Records || len(b.Records) == 0 {
		return nil
	}
	rows := make([]models.Measurement, 0, len(b.Records))
	for _, r := range b.Records {
		rows = append(rows, models.NewMeasurement(d.deviceID, r))
	}
	if err := d.db.WithContext(ctx).Table(d.table).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", len(rows), d.table, err)
	}
	return nil
}

// Count returns the rows stored for this device.
func (d *Database) Count(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Table(d.table).Where("device_id = ?", d.deviceID).Count(&n).Error
	return n, err
}
