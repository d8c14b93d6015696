// Package media downloads and content-addresses media attachments.
package media

import "time"

// Kind classifies a media reference.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindOther Kind = "other"
)

// Ref is a reference to a remote media object attached to an item.
type Ref struct {
	ItemID string `json:"item_id"`
	URL    string `json:"url"`
	Kind   Kind   `json:"kind"`
}

// Asset is a downloaded, content-addressed media object. StorageKey is
// derived from ContentHash, so identical bytes fetched from different
// URLs resolve to a single stored asset.
type Asset struct {
	Ref          Ref       `json:"ref"`
	StorageKey   string    `json:"storage_key"`
	ByteSize     int64     `json:"byte_size"`
	ContentHash  string    `json:"content_hash"`
	DownloadedAt time.Time `json:"downloaded_at"`
}
