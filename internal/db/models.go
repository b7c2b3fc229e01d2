package db

import (
	"time"
)

// StatisticRow represents one statistics sample in the database
type StatisticRow struct {
	SeriesID string
	StartTS  time.Time
	EndTS    time.Time
	State    float64
	Sum      float64
}

// SeriesMetaRow represents a statistics series metadata row in the database
type SeriesMetaRow struct {
	SeriesID string
	Source   string
	Name     string
	Unit     string
	HasMean  bool
	HasSum   bool
}
