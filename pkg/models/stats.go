package models

// PoolStats is the wire view of one regional pool's counters.
type PoolStats struct {
	Region    string `json:"region"`
	Available int    `json:"available"`
	InUse     int    `json:"inUse"`
	Creating  int    `json:"creating"`
	Waiting   int    `json:"waiting"`
	Total     int    `json:"total"`
	MaxSize   int    `json:"maxSize"`
}
