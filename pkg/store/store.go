// Package store provides read-only access to the resident vehicle
// registry kept in sqlite by the front-desk system.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hanuri/parkpass/pkg/scheduler"
)

// VehicleStore reads registered vehicles and their owner contact
// references. The database is owned by another system; this store
// never writes to it.
type VehicleStore struct {
	db *sql.DB
}

// Open opens the registry database at dbPath.
func Open(dbPath string) (*VehicleStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?mode=ro&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &VehicleStore{db: db}, nil
}

// Close closes the database connection.
func (s *VehicleStore) Close() error {
	return s.db.Close()
}

// ListVehiclesWithOwnerContacts returns every registered vehicle joined
// with its owner's contact reference. Vehicles whose owner record is
// missing are skipped by the join.
func (s *VehicleStore) ListVehiclesWithOwnerContacts(ctx context.Context) ([]scheduler.Vehicle, error) {
	query := `
	SELECT v.plate_no, r.contact_ref
	FROM vehicles v
	INNER JOIN residents r ON r.id = v.resident_id
	ORDER BY v.plate_no`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []scheduler.Vehicle
	for rows.Next() {
		var v scheduler.Vehicle
		if err := rows.Scan(&v.VehicleID, &v.ContactRef); err != nil {
			return nil, fmt.Errorf("failed to scan vehicle row: %w", err)
		}
		vehicles = append(vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vehicle rows: %w", err)
	}

	return vehicles, nil
}
