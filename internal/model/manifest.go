package model

import "time"

// Manifest describes one archived tick partition. It is written after the
// partition payload; a payload without a manifest is treated as never
// uploaded, which makes a crashed upload safe to retry.
type Manifest struct {
	Symbol         string    `json:"symbol"`
	PartitionKey   string    `json:"partition_key"`
	MinTs          time.Time `json:"min_ts"`
	MaxTs          time.Time `json:"max_ts"`
	RecordCount    int       `json:"record_count"`
	SourceTimezone string    `json:"source_timezone"`
	IngestedAt     time.Time `json:"ingested_at"`
	Checksum       string    `json:"checksum"`
}
