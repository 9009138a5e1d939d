package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EventRecord is the table row of GormLog.
type EventRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	RunID      string    `gorm:"size:64;not null;index:idx_run_seq,priority:1"`
	Seq        uint64    `gorm:"not null;index:idx_run_seq,priority:2"`
	StepID     string    `gorm:"size:128"`
	Type       string    `gorm:"size:32;not null"`
	FromStatus string    `gorm:"size:32"`
	ToStatus   string    `gorm:"size:32"`
	Attempt    int       `gorm:"not null;default:0"`
	Code       string    `gorm:"size:64"`
	Message    string    `gorm:"type:text"`
	Data       string    `gorm:"type:text"`
	Timestamp  time.Time `gorm:"not null"`
}

// TableName sets the table name.
func (EventRecord) TableName() string { return "agentrun_events" }

// GormLog stores events in a relational table through GORM.
type GormLog struct {
	db *gorm.DB
}

// NewGormLog creates the log and migrates its table.
func NewGormLog(db *gorm.DB) (*GormLog, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate event table: %w", err)
	}
	return &GormLog{db: db}, nil
}

// Append implements Log.
func (l *GormLog) Append(ctx context.Context, ev Event) error {
	rec := EventRecord{
		RunID:      ev.RunID,
		Seq:        ev.Seq,
		StepID:     ev.StepID,
		Type:       string(ev.Type),
		FromStatus: ev.From,
		ToStatus:   ev.To,
		Attempt:    ev.Attempt,
		Code:       ev.Code,
		Message:    ev.Message,
		Timestamp:  ev.Timestamp,
	}
	if len(ev.Data) > 0 {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		rec.Data = string(data)
	}
	return l.db.WithContext(ctx).Create(&rec).Error
}

// Read implements Reader.
func (l *GormLog) Read(ctx context.Context, runID string) ([]Event, error) {
	var recs []EventRecord
	if err := l.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query events of %s: %w", runID, err)
	}

	out := make([]Event, 0, len(recs))
	for _, rec := range recs {
		ev := Event{
			Seq:       rec.Seq,
			RunID:     rec.RunID,
			StepID:    rec.StepID,
			Type:      Type(rec.Type),
			From:      rec.FromStatus,
			To:        rec.ToStatus,
			Attempt:   rec.Attempt,
			Code:      rec.Code,
			Message:   rec.Message,
			Timestamp: rec.Timestamp,
		}
		if rec.Data != "" {
			if err := json.Unmarshal([]byte(rec.Data), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event data of %s: %w", runID, err)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// Runs lists distinct run IDs.
func (l *GormLog) Runs(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&EventRecord{}).
		Distinct("run_id").
		Order("run_id").
		Pluck("run_id", &ids).Error
	return ids, err
}
