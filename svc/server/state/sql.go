package state

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Entity struct {
	ID uint `gorm:"primaryKey"`
}

// Visit is one session's pass through the room, written on join and closed
// out on leave. Live session state never reads these rows back; they exist
// for operators.
type Visit struct {
	Entity

	SessionID string `gorm:"not null;size:64;index"`
	Host      string `gorm:"size:64"`
	Agent     string `gorm:"size:128"`
	// Color is the assigned color as #rrggbb.
	Color string `gorm:"size:8"`

	JoinedAt time.Time
	LeftAt   *time.Time
	Seconds  float64
}

type Store struct {
	db *gorm.DB
}

func InitStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Visit{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) RecordVisit(sessionID string, host string, agent string, color string) error {
	visit := Visit{
		SessionID: sessionID,
		Host:      host,
		Agent:     agent,
		Color:     color,
		JoinedAt:  time.Now(),
	}
	return s.db.Create(&visit).Error
}

// FinalizeVisit stamps the open visit row for a session with its leave
// time and duration.
func (s *Store) FinalizeVisit(sessionID string, left time.Time) error {
	var visit Visit
	err := s.db.
		Where("session_id = ? AND left_at IS NULL", sessionID).
		Order("joined_at desc").
		First(&visit).
		Error
	if err != nil {
		return err
	}

	visit.LeftAt = &left
	visit.Seconds = left.Sub(visit.JoinedAt).Seconds()
	return s.db.Save(&visit).Error
}

func (s *Store) Visits(sessionID string) ([]Visit, error) {
	var visits []Visit
	err := s.db.Where("session_id = ?", sessionID).Find(&visits).Error
	return visits, err
}
