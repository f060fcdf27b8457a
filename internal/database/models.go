package database

import "time"

type Host struct {
	ID        string    `gorm:"primaryKey;size:128" json:"id"`
	Name      string    `gorm:"not null;default:''" json:"name"`
	URL       string    `gorm:"not null" json:"url"` // base URL, e.g. http://10.0.0.5:23000
	Self      bool      `gorm:"not null;default:false" json:"self"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type SessionEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Session   string    `gorm:"not null;index:idx_event_session_at" json:"session"`
	Type      string    `gorm:"not null;size:32" json:"type"`
	Reason    string    `gorm:"default:''" json:"reason,omitempty"`
	At        time.Time `gorm:"not null;index:idx_event_session_at" json:"at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
