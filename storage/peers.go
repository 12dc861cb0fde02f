package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pixshare/models"
)

// RecordPeerSighting upserts a discovered peer, refreshing its endpoint and
// counting the sighting.
func (s *Store) RecordPeerSighting(ctx context.Context, peer models.Peer) error {
	if strings.TrimSpace(peer.ID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(peer.Host) == "" {
		return errors.New("host is required")
	}
	if peer.Port <= 0 || peer.Port > 65535 {
		return fmt.Errorf("invalid port %d", peer.Port)
	}
	if peer.Source == "" {
		peer.Source = peerSourceUDP
	}
	if err := validatePeerSource(peer.Source); err != nil {
		return err
	}

	name := peer.Name
	if name == "" {
		name = peer.ID
	}
	seen := peer.LastSeen.UnixMilli()
	if peer.LastSeen.IsZero() {
		seen = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO known_peers (
			device_id,
			device_name,
			key_fingerprint,
			last_host,
			last_port,
			source,
			first_seen,
			last_seen,
			sightings
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			key_fingerprint = CASE
				WHEN excluded.key_fingerprint != '' THEN excluded.key_fingerprint
				ELSE known_peers.key_fingerprint
			END,
			last_host = excluded.last_host,
			last_port = excluded.last_port,
			source = excluded.source,
			last_seen = MAX(known_peers.last_seen, excluded.last_seen),
			sightings = known_peers.sightings + 1`,
		peer.ID,
		name,
		peer.Fingerprint,
		peer.Host,
		peer.Port,
		peer.Source,
		seen,
		seen,
	)
	if err != nil {
		return fmt.Errorf("record peer sighting %q: %w", peer.ID, err)
	}
	return nil
}

// GetKnownPeer fetches a peer by device ID.
func (s *Store) GetKnownPeer(ctx context.Context, deviceID string) (*KnownPeer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+knownPeerColumns+`
		FROM known_peers
		WHERE device_id = ?`,
		deviceID,
	)

	peer, err := scanKnownPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get known peer %q: %w", deviceID, err)
	}
	return peer, nil
}

// ListKnownPeers returns known peers, most recently seen first.
func (s *Store) ListKnownPeers(ctx context.Context) ([]KnownPeer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+knownPeerColumns+`
		FROM known_peers
		ORDER BY last_seen DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list known peers: %w", err)
	}
	defer rows.Close()

	peers := make([]KnownPeer, 0)
	for rows.Next() {
		peer, err := scanKnownPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan known peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known peer rows: %w", err)
	}

	return peers, nil
}

// ForgetPeer deletes a known peer by device ID.
func (s *Store) ForgetPeer(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM known_peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("forget peer %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for forget peer %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const knownPeerColumns = `
	device_id,
	device_name,
	key_fingerprint,
	last_host,
	last_port,
	source,
	first_seen,
	last_seen,
	sightings`

func scanKnownPeer(row scanner) (*KnownPeer, error) {
	var peer KnownPeer
	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.KeyFingerprint,
		&peer.LastHost,
		&peer.LastPort,
		&peer.Source,
		&peer.FirstSeen,
		&peer.LastSeen,
		&peer.Sightings,
	); err != nil {
		return nil, err
	}
	return &peer, nil
}
