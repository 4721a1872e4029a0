// Package queue implements the import queue and the committed feature store
// on Redis. The pending list is the single global FIFO; claiming an item is
// one atomic LMOVE so concurrent workers cannot double-process.
package queue

import (
	"encoding/json"
	"time"

	"github.com/geostash/geostash/internal/geojson"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusUnparsable Status = "unparsable"
	StatusFailed     Status = "failed"
	StatusImported   Status = "imported"
)

// Item is one queued upload and its processing outcome.
type Item struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"userId"`
	OriginalFilename string    `json:"originalFilename"`
	RawSourceHash    string    `json:"rawSourceHash"`
	Status           Status    `json:"status"`
	Attempts         int       `json:"attempts"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`

	// Features is set once processing completed.
	Features *geojson.FeatureCollection `json:"features,omitempty"`
	// CollectionHash is the content identity of Features.
	CollectionHash string   `json:"collectionHash,omitempty"`
	Diagnostics    []string `json:"diagnostics,omitempty"`

	// Error is the sentinel record for unparsable or failed items.
	Error string `json:"error,omitempty"`
}

// StoredFeature is one committed feature as persisted in the permanent
// store.
type StoredFeature struct {
	Identity          string          `json:"identity"`
	UserID            string          `json:"userId"`
	SourceQueueItemID int64           `json:"sourceQueueItemId"`
	GeoJSON           json.RawMessage `json:"geojson"`
	GeoJSONHash       string          `json:"geojsonHash"`
	Timestamp         time.Time       `json:"timestamp"`
}
