// Package server implements the OpenSQM datacenter: stations upload their
// records to a Bearer-token data plane, and operators read them back through
// a JWT-protected control plane.
package server

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/opensqm/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the datacenter database.
type Store struct {
	db *gorm.DB
}

// OpenStore opens the SQLite database at path and runs AutoMigrate.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	log.Printf("[db] opened sqlite/%s", path)
	return s, nil
}

// NewStore migrates the datacenter tables on an open connection.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&models.Station{}, &models.Night{}, &models.UploadBatch{}, &models.Measurement{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertStation creates or updates a station by device id.
func (s *Store) UpsertStation(p models.RegisterPayload) (*models.Station, error) {
	var st models.Station
	result := s.db.Where("device_id = ?", p.DeviceID).First(&st)

	switch {
	case errors.Is(result.Error, gorm.ErrRecordNotFound):
		st = models.Station{
			DeviceID:   p.DeviceID,
			DeviceType: p.DeviceType,
			Name:       p.Name,
			Location:   p.Location,
			Supplier:   p.Supplier,
			Serial:     p.Serial,
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			Altitude:   p.Altitude,
			Hostname:   p.Hostname,
			OS:         p.OS,
			AgentVer:   p.AgentVer,
			LastSeen:   time.Now(),
		}
		if err := s.db.Create(&st).Error; err != nil {
			return nil, err
		}
		log.Printf("[db] new station %s (%s)", st.DeviceID, st.Name)
	case result.Error != nil:
		return nil, result.Error
	default:
		// Update mutable fields
		err := s.db.Model(&st).Updates(map[string]any{
			"device_type": p.DeviceType,
			"name":        p.Name,
			"location":    p.Location,
			"supplier":    p.Supplier,
			"serial":      p.Serial,
			"latitude":    p.Latitude,
			"longitude":   p.Longitude,
			"altitude":    p.Altitude,
			"hostname":    p.Hostname,
			"os":          p.OS,
			"agent_ver":   p.AgentVer,
			"last_seen":   time.Now(),
		}).Error
		if err != nil {
			return nil, err
		}
	}
	return &st, nil
}

// stationFor returns the station with deviceID, creating a bare one for
// stations that upload before registering.
func (s *Store) stationFor(tx *gorm.DB, deviceID string) (*models.Station, error) {
	var st models.Station
	err := tx.Where("device_id = ?", deviceID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		st = models.Station{DeviceID: deviceID, Name: deviceID, LastSeen: time.Now()}
		err = tx.Create(&st).Error
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// StartNight records the start of a station's night. Repeated calls for the
// same night are no-ops.
func (s *Store) StartNight(deviceID string, night time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		st, err := s.stationFor(tx, deviceID)
		if err != nil {
			return err
		}
		date := time.Date(night.Year(), night.Month(), night.Day(), 0, 0, 0, 0, time.UTC)
		n := models.Night{StationID: st.ID, Date: date}
		if err := tx.Where(models.Night{StationID: st.ID, Date: date}).FirstOrCreate(&n).Error; err != nil {
			return err
		}
		return tx.Model(st).Updates(map[string]any{"last_night": date, "last_seen": time.Now()}).Error
	})
}

// SaveBatch stores a record batch once. It reports duplicate=true, and
// inserts nothing, when the batch id was stored before.
func (s *Store) SaveBatch(b models.RecordBatch) (duplicate bool, err error) {
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var seen int64
		if err := tx.Model(&models.UploadBatch{}).Where("batch_id = ?", b.BatchID).Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			duplicate = true
			return nil
		}

		st, err := s.stationFor(tx, b.DeviceID)
		if err != nil {
			return err
		}
		if len(b.Records) > 0 {
			rows := make([]models.Measurement, 0, len(b.Records))
			for _, r := range b.Records {
				m := models.NewMeasurement(b.DeviceID, r)
				m.StationID = st.ID
				rows = append(rows, m)
			}
			if err := tx.CreateInBatches(&rows, 500).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(&models.UploadBatch{BatchID: b.BatchID, StationID: st.ID, Records: len(b.Records)}).Error; err != nil {
			return err
		}
		return tx.Model(st).Update("last_seen", time.Now()).Error
	})
	return duplicate, err
}

// Stations lists every station, most recently seen first.
func (s *Store) Stations() ([]models.Station, error) {
	var out []models.Station
	err := s.db.Order("last_seen desc").Find(&out).Error
	return out, err
}

// Station returns one station by primary key.
func (s *Store) Station(id uint) (*models.Station, error) {
	var st models.Station
	if err := s.db.First(&st, id).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// Records returns a station's measurements of one night in time order; a
// zero night selects the station's latest night.
func (s *Store) Records(stationID uint, night time.Time) ([]models.Measurement, error) {
	if night.IsZero() {
		var last models.Measurement
		err := s.db.Where("station_id = ?", stationID).Order("utc desc").First(&last).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		night = last.Night
	}
	var out []models.Measurement
	err := s.db.Where("station_id = ? AND night = ?", stationID, night).Order("utc asc").Find(&out).Error
	return out, err
}
