package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is one catalog row: a PDF ingested for a user.
type Document struct {
	UserID     string    `json:"userId"`
	DocID      string    `json:"docId"`
	Filename   string    `json:"filename"`
	Collection string    `json:"collection"`
	Durable    bool      `json:"durable"`
	Pages      int       `json:"pages"`
	Chunks     int       `json:"chunks"`
	JobID      string    `json:"jobId"`
	CreatedAt  time.Time `json:"createdAt"`
}
