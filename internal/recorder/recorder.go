// Package recorder persists one row per terminal execution decision to
// MySQL via GORM, giving the execution-results stream a durable, queryable
// twin (SPEC_FULL.md's "Execution audit trail" supplement). It is grounded
// directly on the teacher's internal/db/transaction_recorder.go: same
// gorm.Open(mysql.Open(dsn)) + AutoMigrate construction shape, same
// big.Int-as-varchar(78) column convention for amounts that don't fit a
// native numeric type.
package recorder

import (
	"fmt"
	"math/big"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/flashrelay/arbexec/pkg/types"
)

// ExecutionRecord is the database model for one terminal ExecutionResult.
type ExecutionRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	OpportunityID  string    `gorm:"index;not null;size:128"`
	Chain          string    `gorm:"index;not null;size:64"`
	Protocol       string    `gorm:"not null;size:32"`
	Outcome        string    `gorm:"index;not null;size:16"`
	Reason         string    `gorm:"size:256"`
	GasUsed        uint64    `gorm:"not null"`
	RealizedProfit string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	TxHash         string    `gorm:"size:80"`
	Timestamp      time.Time `gorm:"index;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

// TableName pins the table name so AutoMigrate doesn't pluralize oddly.
func (ExecutionRecord) TableName() string { return "execution_results" }

// MySQLRecorder persists ExecutionResult rows via GORM, mirroring the
// teacher's MySQLRecorder shape.
type MySQLRecorder struct {
	db *gorm.DB
}

// New opens dsn and auto-migrates the schema.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func New(dsn string) (*MySQLRecorder, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("recorder: failed to connect to MySQL: %w", err)
	}
	if err := db.AutoMigrate(&ExecutionRecord{}); err != nil {
		return nil, fmt.Errorf("recorder: failed to migrate schema: %w", err)
	}
	return &MySQLRecorder{db: db}, nil
}

// NewWithDB wraps an already-open *gorm.DB and migrates its schema.
func NewWithDB(db *gorm.DB) (*MySQLRecorder, error) {
	if err := db.AutoMigrate(&ExecutionRecord{}); err != nil {
		return nil, fmt.Errorf("recorder: failed to migrate schema: %w", err)
	}
	return &MySQLRecorder{db: db}, nil
}

// Record persists one terminal ExecutionResult. Failures here are logged
// by the caller (the coordinator) and never block the execution-results
// stream publish — the audit trail is best-effort, per spec.md §5's
// "publish-to-stream failures: soft" policy extended to its DB mirror.
func (r *MySQLRecorder) Record(result types.ExecutionResult) error {
	rec := ExecutionRecord{
		OpportunityID:  result.OpportunityID,
		Chain:          result.Chain,
		Protocol:       string(result.Protocol),
		Outcome:        string(result.Outcome),
		Reason:         result.Reason,
		GasUsed:        result.GasUsed,
		RealizedProfit: bigIntToString(result.RealizedProfit),
		Timestamp:      result.Timestamp,
	}
	if result.TxHash != nil {
		rec.TxHash = result.TxHash.Hex()
	}
	if err := r.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("recorder: failed to record execution result: %w", err)
	}
	return nil
}

// CountByOutcome returns how many rows are recorded for a given outcome,
// useful for operational backtesting queries.
func (r *MySQLRecorder) CountByOutcome(outcome types.DecisionOutcome) (int64, error) {
	var count int64
	if err := r.db.Model(&ExecutionRecord{}).Where("outcome = ?", string(outcome)).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("recorder: failed to count by outcome: %w", err)
	}
	return count, nil
}

// Close closes the underlying database connection.
func (r *MySQLRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("recorder: failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

func bigIntToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
