package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Manifest describes one export batch. It is written beside the batch as
// <batch file>.manifest.json.
type Manifest struct {
	BatchID     uuid.UUID `json:"batch_id"`
	Host        string    `json:"host"`
	Channel     string    `json:"channel"`
	Day         string    `json:"day"`
	File        string    `json:"file"`
	CollectedAt time.Time `json:"collected_at"`
	Records     int       `json:"records"`
	Extractor   string    `json:"extractor"`
	MaxEvents   int       `json:"max_events"`
}

// ReadManifest loads the manifest beside a batch file.
func ReadManifest(batchPath string) (*Manifest, error) {
	data, err := os.ReadFile(batchPath + ManifestSuffix)
	if err != nil {
		return nil, NewStorageError("ReadManifest", batchPath, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewStorageError("ReadManifest", batchPath, fmt.Errorf("%w: %v", ErrMalformedBatch, err))
	}
	return &m, nil
}

func encodeManifest(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
