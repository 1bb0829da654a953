package tracker

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rudransh-shrivastava/peer-bridge/internal/protocol"
	"github.com/rudransh-shrivastava/peer-bridge/internal/tracker/db"
)

// DefaultTTL is how long an announcement lives without a refresh.
const DefaultTTL = 2 * time.Minute

// Store persists topic announcements.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewStore(gdb *gorm.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: gdb, ttl: ttl, now: time.Now}
}

// Announce inserts or refreshes the announcement of key under topic.
func (s *Store) Announce(ctx context.Context, topic protocol.Topic, key [protocol.KeySize]byte, addr string) error {
	a := db.Announcement{
		Topic:     hex.EncodeToString(topic[:]),
		PeerKey:   hex.EncodeToString(key[:]),
		Addr:      addr,
		ExpiresAt: s.now().Add(s.ttl).UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "topic"}, {Name: "peer_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"addr", "expires_at", "updated_at"}),
	}).Create(&a).Error
	if err != nil {
		return fmt.Errorf("tracker: announce: %w", err)
	}
	return nil
}

func (s *Store) Unannounce(ctx context.Context, topic protocol.Topic, key [protocol.KeySize]byte) error {
	err := s.db.WithContext(ctx).
		Where("topic = ? AND peer_key = ?", hex.EncodeToString(topic[:]), hex.EncodeToString(key[:])).
		Delete(&db.Announcement{}).Error
	if err != nil {
		return fmt.Errorf("tracker: unannounce: %w", err)
	}
	return nil
}

// RemovePeer drops every announcement made by key.
func (s *Store) RemovePeer(ctx context.Context, key []byte) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("peer_key = ?", hex.EncodeToString(key)).
		Delete(&db.Announcement{})
	if res.Error != nil {
		return 0, fmt.Errorf("tracker: remove peer: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Lookup returns live announcers of topic, most recently refreshed first.
func (s *Store) Lookup(ctx context.Context, topic protocol.Topic, limit int) ([]protocol.PeerRecord, error) {
	if limit <= 0 || limit > protocol.MaxPeers {
		limit = protocol.MaxPeers
	}
	var rows []db.Announcement
	err := s.db.WithContext(ctx).
		Where("topic = ? AND expires_at > ?", hex.EncodeToString(topic[:]), s.now().UnixMilli()).
		Order("expires_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("tracker: lookup: %w", err)
	}

	peers := make([]protocol.PeerRecord, 0, len(rows))
	for _, row := range rows {
		raw, err := hex.DecodeString(row.PeerKey)
		if err != nil || len(raw) != protocol.KeySize {
			continue
		}
		var rec protocol.PeerRecord
		copy(rec.PublicKey[:], raw)
		rec.Addr = row.Addr
		peers = append(peers, rec)
	}
	return peers, nil
}

// Prune deletes expired announcements.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now().UnixMilli()).
		Delete(&db.Announcement{})
	if res.Error != nil {
		return 0, fmt.Errorf("tracker: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}
