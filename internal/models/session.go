package models

import "time"

// Session binds a visitor's chat to one analyzed movie.
type Session struct {
	ID        int64     `json:"id" db:"id"`
	VisitorID int64     `json:"visitor_id" db:"visitor_id"`
	MovieID   int64     `json:"movie_id" db:"movie_id"`
	Title     string    `json:"title" db:"title"`
	Year      string    `json:"year" db:"year"`
	Report    string    `json:"-" db:"report"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Visitor is an anonymous browser identity.
type Visitor struct {
	ID        int64     `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
