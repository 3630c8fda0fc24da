package outbox

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// recordModel — строка таблицы outbox.
type recordModel struct {
	ID            string         `gorm:"column:id;type:varchar(36);primaryKey"`
	AggregateType string         `gorm:"column:aggregate_type;type:varchar(50);not null"`
	AggregateID   string         `gorm:"column:aggregate_id;type:varchar(64);not null"`
	EventType     string         `gorm:"column:event_type;type:varchar(100);not null"`
	Topic         string         `gorm:"column:topic;type:varchar(100);not null"`
	MessageKey    string         `gorm:"column:message_key;type:varchar(100);not null"`
	Payload       datatypes.JSON `gorm:"column:payload;not null"`
	Headers       datatypes.JSON `gorm:"column:headers"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	ProcessedAt   *time.Time     `gorm:"column:processed_at"`
	RetryCount    int            `gorm:"column:retry_count;not null;default:0"`
	LastError     *string        `gorm:"column:last_error"`
}

func (recordModel) TableName() string {
	return "outbox"
}

func (m *recordModel) toDomain() *Record {
	r := &Record{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Topic:         m.Topic,
		MessageKey:    m.MessageKey,
		Payload:       []byte(m.Payload),
		CreatedAt:     m.CreatedAt,
		ProcessedAt:   m.ProcessedAt,
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
	}
	if len(m.Headers) > 0 {
		_ = json.Unmarshal(m.Headers, &r.Headers)
	}
	return r
}

func recordModelFromDomain(r *Record) *recordModel {
	m := &recordModel{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Topic:         r.Topic,
		MessageKey:    r.MessageKey,
		Payload:       datatypes.JSON(r.Payload),
		CreatedAt:     r.CreatedAt,
		ProcessedAt:   r.ProcessedAt,
		RetryCount:    r.RetryCount,
		LastError:     r.LastError,
	}
	if len(r.Headers) > 0 {
		if data, err := json.Marshal(r.Headers); err == nil {
			m.Headers = data
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return m
}
