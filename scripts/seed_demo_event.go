//go:build ignore
// +build ignore

// Seeds a local database with a demo event: one admin, two invited
// players, and a license product. Safe to rerun; existing rows are
// left alone.
//
// Usage:
//   DATABASE_URL=postgres://... go run scripts/seed_demo_event.go
//
// The admin login is admin@rangehub.local / rangehub-demo.
package main

import (
	"database/sql"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	adminID := seedUser(db, "admin@rangehub.local", "Demo Admin", "admin", "rangehub-demo")

	var eventID int64
	year := time.Now().UTC().Year()
	starts := time.Now().UTC().AddDate(0, 1, 0)
	err = db.QueryRow(`
		INSERT INTO events (year, slug, name, starts_at, ends_at, registration_open, test_mode, terms_version, terms_body)
		VALUES ($1, 'demo-range', 'Demo Cyber Range', $2, $3, TRUE, TRUE, 'v1', 'Demo terms of participation.')
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`,
		year, starts, starts.AddDate(0, 0, 5)).Scan(&eventID)
	if err != nil {
		log.Fatalf("seed event: %v", err)
	}
	log.Printf("Event %d: Demo Cyber Range (%d)", eventID, year)

	players := map[string]string{
		"player.one@rangehub.local": "Player One",
		"player.two@rangehub.local": "Player Two",
	}
	for email, name := range players {
		userID := seedUser(db, email, name, "invitee", "")
		if _, err := db.Exec(`UPDATE users SET sponsor_id = $1 WHERE id = $2`, adminID, userID); err != nil {
			log.Fatalf("set sponsor for %s: %v", email, err)
		}
		_, err := db.Exec(`
			INSERT INTO event_participations (user_id, event_id, status, confirmation_code)
			VALUES ($1, $2, 'invited', $3)
			ON CONFLICT (user_id, event_id) DO NOTHING`,
			userID, eventID, uuid.NewString())
		if err != nil {
			log.Fatalf("seed participation for %s: %v", email, err)
		}
		log.Printf("Invited %s to event %d", email, eventID)
	}

	_, err = db.Exec(`
		INSERT INTO license_products (name, license_blob, max_concurrent)
		VALUES ('Demo Analyzer Pro', 'demo-license-blob-not-for-production', 2)
		ON CONFLICT (name) DO NOTHING`)
	if err != nil {
		log.Fatalf("seed license product: %v", err)
	}
	log.Println("License product: Demo Analyzer Pro (2 concurrent slots)")

	log.Println("Done. Activate the event from the admin UI to send invitations.")
}

func seedUser(db *sql.DB, email, displayName, role, password string) int64 {
	var hash sql.NullString
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		hash = sql.NullString{String: string(h), Valid: true}
	}

	var id int64
	err := db.QueryRow(`
		INSERT INTO users (email, normalized_email, display_name, role, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (normalized_email) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id`,
		email, strings.ToLower(email), displayName, role, hash).Scan(&id)
	if err != nil {
		log.Fatalf("seed user %s: %v", email, err)
	}
	log.Printf("User %d: %s (%s)", id, email, role)
	return id
}
