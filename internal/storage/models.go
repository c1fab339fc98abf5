package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CheckRecord is one persisted quality check outcome as stored in data_quality_checks.
type CheckRecord struct {
	ID           int64
	TableName    string
	CheckName    string
	Passed       bool
	TotalRecords int64
	Accuracy     decimal.Decimal
	ErrorDetails string
	Details      json.RawMessage
	RunID        string
	TaskID       string
	CheckedAt    time.Time
}
