package model

import (
	"time"
)

const (
	DeadLetterStatusHeld     = "held"
	DeadLetterStatusRedriven = "redriven"
)

// DeadLetter holds one (event, rule) delivery whose retries were exhausted.
type DeadLetter struct {
	ID          string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	EventID     string     `gorm:"type:varchar(128);not null;index" json:"eventId"`
	EventSource string     `gorm:"type:varchar(128);not null" json:"eventSource"`
	EventType   string     `gorm:"type:varchar(128);not null" json:"eventType"`
	EventDetail JSONB      `gorm:"type:jsonb" json:"eventDetail"`
	EventTime   time.Time  `json:"eventTime"`
	RuleID      string     `gorm:"type:varchar(64);not null;index" json:"ruleId"`
	TargetID    string     `gorm:"type:varchar(128)" json:"targetId"`
	Attempts    int        `json:"attempts"`
	LastError   string     `gorm:"type:text" json:"lastError"`
	Status      string     `gorm:"type:varchar(16);not null;default:'held'" json:"status"`
	FailedAt    time.Time  `gorm:"autoCreateTime:false;not null;index" json:"failedAt"`
	RedrivenAt  *time.Time `json:"redrivenAt,omitempty"`
}

func (DeadLetter) TableName() string {
	return "dead_letters"
}

func (d DeadLetter) Event() Event {
	return Event{
		ID:     d.EventID,
		Source: d.EventSource,
		Type:   d.EventType,
		Detail: d.EventDetail.Clone(),
		Time:   d.EventTime,
	}
}
