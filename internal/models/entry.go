package models

import "time"

// Entry represents one practice logbook entry
type Entry struct {
	ID          int       `json:"id" db:"id"`
	ExternID    string    `json:"extern_id" db:"extern_id"`
	Piece       string    `json:"piece" db:"piece"`
	Composer    string    `json:"composer,omitempty" db:"composer"`
	Minutes     int       `json:"minutes" db:"minutes"`
	Notes       string    `json:"notes,omitempty" db:"notes"`
	PracticedAt time.Time `json:"practiced_at" db:"practiced_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
	Deleted     bool      `json:"deleted,omitempty" db:"deleted"`
}

// CreateEntryInput represents the input for creating a new entry
type CreateEntryInput struct {
	ExternID    string     `json:"extern_id,omitempty" maxLength:"80" doc:"External ID for synchronization, generated when empty"`
	Piece       string     `json:"piece" minLength:"1" maxLength:"200" doc:"Piece or exercise practiced"`
	Composer    string     `json:"composer,omitempty" maxLength:"120" doc:"Composer of the piece"`
	Minutes     int        `json:"minutes" minimum:"1" maximum:"1440" doc:"Practice duration in minutes"`
	Notes       string     `json:"notes,omitempty" maxLength:"2000" doc:"Free-form practice notes"`
	PracticedAt *time.Time `json:"practiced_at,omitempty" doc:"When the session happened, defaults to now"`
}

// UpdateEntryInput represents the input for updating an entry
type UpdateEntryInput struct {
	Piece       *string    `json:"piece,omitempty" minLength:"1" maxLength:"200" doc:"Piece or exercise practiced"`
	Composer    *string    `json:"composer,omitempty" maxLength:"120" doc:"Composer of the piece"`
	Minutes     *int       `json:"minutes,omitempty" minimum:"1" maximum:"1440" doc:"Practice duration in minutes"`
	Notes       *string    `json:"notes,omitempty" maxLength:"2000" doc:"Free-form practice notes"`
	PracticedAt *time.Time `json:"practiced_at,omitempty" doc:"When the session happened"`
}

// ClusterMemberInfo represents cluster member information
type ClusterMemberInfo struct {
	Name   string `json:"name"`
	Addr   string `json:"addr"`
	Status string `json:"status"`
}
