package models

// TransferRecord is the persisted summary of one finished transfer session.
type TransferRecord struct {
	SessionID        string `json:"session_id"`
	Direction        string `json:"direction"`
	PeerID           string `json:"peer_id"`
	PeerName         string `json:"peer_name"`
	Filename         string `json:"filename"`
	MimeType         string `json:"mime_type"`
	Size             int64  `json:"size"`
	BytesTransferred int64  `json:"bytes_transferred"`
	Checksum         string `json:"checksum"`
	State            string `json:"state"`
	FailureCode      string `json:"failure_code"`
	FailureMessage   string `json:"failure_message"`
	StartedAt        int64  `json:"started_at"`
	FinishedAt       int64  `json:"finished_at"`
}
