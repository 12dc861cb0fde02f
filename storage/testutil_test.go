package storage

import (
	"testing"

	"pixshare/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func sampleTransfer(sessionID, peerID, state string, finishedAt int64) models.TransferRecord {
	return models.TransferRecord{
		SessionID:        sessionID,
		Direction:        directionOutbound,
		PeerID:           peerID,
		PeerName:         "Desk-01",
		Filename:         "photo.png",
		MimeType:         "image/png",
		Size:             2048,
		BytesTransferred: 2048,
		Checksum:         "abc123",
		State:            state,
		StartedAt:        finishedAt - 1000,
		FinishedAt:       finishedAt,
	}
}
