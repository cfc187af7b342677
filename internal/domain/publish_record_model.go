package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const (
	PublishStatusSkipped   = "skipped"
	PublishStatusPublished = "published"
	PublishStatusFailed    = "failed"
)

// PublishRecord is one publish cycle of a map job.
type PublishRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	// Map names the job, e.g. "bot" or "permit".
	Map    string `gorm:"size:32;not null;index:idx_publish_map_created,priority:1" json:"map"`
	Reason string `gorm:"size:32;not null;default:''" json:"reason"`
	Status string `gorm:"size:16;not null" json:"status"`

	// Keys lists the store keys that were read.
	Keys KeyList `gorm:"type:text" json:"keys"`

	RawEntries     int `gorm:"not null;default:0" json:"raw_entries"`
	CarriedEntries int `gorm:"not null;default:0" json:"carried_entries"`
	Rejected       int `gorm:"not null;default:0" json:"rejected"`
	Primary        int `gorm:"not null;default:0" json:"primary"`
	Overflow       int `gorm:"not null;default:0" json:"overflow"`
	Shed           int `gorm:"not null;default:0" json:"shed"`

	Error      string `gorm:"type:text;not null;default:''" json:"error,omitempty"`
	DurationMs int64  `gorm:"not null;default:0" json:"duration_ms"`

	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_publish_map_created,priority:2" json:"created_at"`
}

// KeyList is a JSON encoded list of store keys.
type KeyList []string

func (k KeyList) Value() (driver.Value, error) {
	if len(k) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal([]string(k))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (k *KeyList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*k = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("domain.KeyList: unsupported type %T", value)
	}

	if len(data) == 0 {
		*k = nil
		return nil
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*k = keys
	return nil
}
