package storage

import "time"

// Instance is one chat activity placed in a course.
type Instance struct {
	ID           int64
	Name         string
	Type         string
	PersistConvo bool
	EncAPIKey    *string
	// Settings holds the instance-level overrides keyed by site config name.
	Settings  map[string]string
	CreatedAt time.Time
}

type ConfigValue struct {
	Name  string
	Value string
}

type LogEntry struct {
	ID         int64
	InstanceID int64
	UserID     int64
	SessionID  string
	Request    string
	Response   string
	CreatedAt  time.Time
}

type TermsAcceptance struct {
	InstanceID int64
	UserID     int64
	Accepted   bool
	AcceptedAt time.Time
}
