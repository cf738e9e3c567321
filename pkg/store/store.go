package store

import (
	"context"
	"fmt"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/logx"
)

// Store composes the bolt and sqlite halves into the persist.Store port:
// current location and profile mirror live in bolt, history in sqlite.
type Store struct {
	Bolt    *Bolt
	History *History
	logger  *logx.Logger
}

// Open creates both backing databases.
func Open(boltPath string, historyConfig *HistoryConfig, logger *logx.Logger) (*Store, error) {
	b, err := NewBolt(boltPath, logger)
	if err != nil {
		return nil, err
	}
	h, err := NewHistory(historyConfig, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	return &Store{Bolt: b, History: h, logger: logger}, nil
}

func (s *Store) UpsertCurrent(ctx context.Context, driverID string, fix pkg.Fix) error {
	return s.Bolt.UpsertCurrent(ctx, driverID, fix)
}

func (s *Store) MirrorProfile(ctx context.Context, driverID string, lat, lng float64) error {
	return s.Bolt.MirrorProfile(ctx, driverID, lat, lng)
}

func (s *Store) AppendHistory(ctx context.Context, entry pkg.HistoryEntry) error {
	return s.History.AppendHistory(ctx, entry)
}

// Close releases both databases.
func (s *Store) Close() error {
	boltErr := s.Bolt.Close()
	histErr := s.History.Close()
	if boltErr != nil {
		return fmt.Errorf("close bolt store: %w", boltErr)
	}
	if histErr != nil {
		return fmt.Errorf("close history store: %w", histErr)
	}
	return nil
}
