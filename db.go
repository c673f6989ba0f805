package main

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

var ErrDetectionNotFound = errors.New("detection not found")

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		item       TEXT NOT NULL,
		confidence REAL NOT NULL,
		status     TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_detections_status ON detections(status);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// InsertDetection records a new device detection as pending. The returned id
// comes from the AUTOINCREMENT column, so identities are strictly increasing
// and never reused.
func InsertDetection(db *sql.DB, item string, confidence float64) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO detections (item, confidence, status) VALUES (?, ?, ?)`,
		item, confidence, StatusPending,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetDetectionStatus overwrites the status of an existing detection.
// Last-write-wins: a second feedback for the same id simply replaces the
// first.
func SetDetectionStatus(db *sql.DB, id int64, status string) error {
	res, err := db.Exec(`UPDATE detections SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDetectionNotFound
	}
	return nil
}

func GetDetectionByID(db *sql.DB, id int64) (Detection, error) {
	var d Detection
	err := db.QueryRow(
		`SELECT id, item, confidence, status, created_at FROM detections WHERE id = ?`,
		id,
	).Scan(&d.ID, &d.Item, &d.Confidence, &d.Status, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrDetectionNotFound
	}
	return d, err
}

// ComputeAccuracy returns correct / non-pending * 100 over the whole table,
// or 0 when nothing has been resolved yet. A single aggregate statement,
// so the percentage always reflects one consistent snapshot.
func ComputeAccuracy(db *sql.DB) (float64, error) {
	var accuracy float64
	err := db.QueryRow(
		`SELECT COALESCE(
		   CASE
		     WHEN COUNT(CASE WHEN status != 'pending' THEN 1 END) = 0 THEN NULL
		     ELSE (COUNT(CASE WHEN status = 'correct' THEN 1 END) * 100.0
		           / COUNT(CASE WHEN status != 'pending' THEN 1 END))
		   END, 0)
		 FROM detections`,
	).Scan(&accuracy)
	return accuracy, err
}

// GetRecentDetections returns the newest detections in ascending id order,
// used to seed a freshly connected dashboard session.
func GetRecentDetections(db *sql.DB, limit int) ([]Detection, error) {
	rows, err := db.Query(
		`SELECT id, item, confidence, status, created_at
		 FROM (SELECT * FROM detections ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var detections []Detection
	for rows.Next() {
		var d Detection
		if err := rows.Scan(&d.ID, &d.Item, &d.Confidence, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		detections = append(detections, d)
	}
	return detections, rows.Err()
}
