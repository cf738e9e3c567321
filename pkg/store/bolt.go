// Package store implements the persistence collaborator: a bbolt
// key-value store for the driver's current location and profile mirror,
// and a sqlite store for the append-only location history and audit
// events.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/logx"
)

var (
	bucketCurrentLocation = []byte("current_location")
	bucketDriverProfiles  = []byte("driver_profiles")
)

// CurrentLocation is the upsert-by-driver "where is this driver now"
// record.
type CurrentLocation struct {
	DriverID  string    `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	FixTime   time.Time `json:"fix_time"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DriverProfile carries the compatibility mirror fields consumed by the
// legacy dashboard queries.
type DriverProfile struct {
	DriverID          string    `json:"driver_id"`
	LastLatitude      float64   `json:"last_latitude"`
	LastLongitude     float64   `json:"last_longitude"`
	LocationUpdatedAt time.Time `json:"location_updated_at"`
}

// Bolt is the bbolt-backed half of the store.
type Bolt struct {
	db     *bolt.DB
	logger *logx.Logger
}

// NewBolt opens (or creates) the bolt database and its buckets.
func NewBolt(path string, logger *logx.Logger) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCurrentLocation, bucketDriverProfiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	logger.Info("bolt_store_opened", "path", path)
	return &Bolt{db: db, logger: logger}, nil
}

// UpsertCurrent writes the driver's current-location record.
func (b *Bolt) UpsertCurrent(ctx context.Context, driverID string, fix pkg.Fix) error {
	record := CurrentLocation{
		DriverID:  driverID,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Accuracy:  fix.Accuracy,
		Heading:   fix.Heading,
		Speed:     fix.Speed,
		FixTime:   fix.Time(),
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal current location: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCurrentLocation).Put([]byte(driverID), data)
	})
}

// GetCurrent reads the driver's current-location record; nil if none.
func (b *Bolt) GetCurrent(ctx context.Context, driverID string) (*CurrentLocation, error) {
	var record *CurrentLocation
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCurrentLocation).Get([]byte(driverID))
		if data == nil {
			return nil
		}
		record = &CurrentLocation{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, fmt.Errorf("get current location: %w", err)
	}
	return record, nil
}

// MirrorProfile updates the compatibility position fields on the
// driver's profile record, preserving any other profile content.
func (b *Bolt) MirrorProfile(ctx context.Context, driverID string, lat, lng float64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDriverProfiles)

		profile := DriverProfile{DriverID: driverID}
		if data := bucket.Get([]byte(driverID)); data != nil {
			if err := json.Unmarshal(data, &profile); err != nil {
				b.logger.Warn("profile_record_corrupt", "driver_id", driverID, "error", err)
				profile = DriverProfile{DriverID: driverID}
			}
		}

		profile.LastLatitude = lat
		profile.LastLongitude = lng
		profile.LocationUpdatedAt = time.Now()

		data, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("marshal profile: %w", err)
		}
		return bucket.Put([]byte(driverID), data)
	})
}

// GetProfile reads the driver's profile record; nil if none.
func (b *Bolt) GetProfile(ctx context.Context, driverID string) (*DriverProfile, error) {
	var profile *DriverProfile
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDriverProfiles).Get([]byte(driverID))
		if data == nil {
			return nil
		}
		profile = &DriverProfile{}
		return json.Unmarshal(data, profile)
	})
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return profile, nil
}

// Close releases the bolt database.
func (b *Bolt) Close() error {
	return b.db.Close()
}
