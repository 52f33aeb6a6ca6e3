package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/velocity.pilot/internal/pilot"
	"github.com/banshee-data/velocity.pilot/internal/polyfit"
)

// Session is one recorded vehicle connection.
type Session struct {
	ID      string     `json:"id"`
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`
	Ticks   int        `json:"ticks"`
}

// StartSession records the start of session id. Starting an existing
// session is a no-op.
func (db *DB) StartSession(id string, at time.Time) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO sessions (session_id, started_ns) VALUES (?, ?)`,
		id, at.UnixNano())
	if err != nil {
		return fmt.Errorf("start session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the end time of session id.
func (db *DB) EndSession(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_ns = ? WHERE session_id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RecordTick stores one tick. The session row is created on demand so
// ticks from observers that never saw the session start are still kept.
func (db *DB) RecordTick(rec pilot.TickRecord) error {
	ref, err := json.Marshal(nonNil(rec.Reference))
	if err != nil {
		return err
	}
	px, err := json.Marshal(nonNil(rec.PredictedX))
	if err != nil {
		return err
	}
	py, err := json.Marshal(nonNil(rec.PredictedY))
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO sessions (session_id, started_ns) VALUES (?, ?)`,
		rec.Session, rec.Time.UnixNano()); err != nil {
		return fmt.Errorf("record tick %s/%d: %w", rec.Session, rec.Seq, err)
	}
	_, err = tx.Exec(`INSERT INTO ticks (
			session_id, seq, time_ns,
			x, y, psi, speed, comp_x, comp_y, comp_psi, comp_speed, waypoints,
			reference, cte, epsi,
			delta, accel, steering, throttle, predicted_x, predicted_y,
			status, iterations, cost, solve_time_ns, fallback
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Session, rec.Seq, rec.Time.UnixNano(),
		rec.Measured.X, rec.Measured.Y, rec.Measured.Psi, rec.Measured.V,
		rec.Compensated.X, rec.Compensated.Y, rec.Compensated.Psi, rec.Compensated.V,
		rec.Waypoints,
		string(ref), rec.CTE, rec.EPsi,
		rec.Delta, rec.Accel, rec.Steering, rec.Throttle, string(px), string(py),
		rec.Status, rec.Iterations, rec.Cost, rec.SolveTime.Nanoseconds(), rec.Fallback,
	)
	if err != nil {
		return fmt.Errorf("record tick %s/%d: %w", rec.Session, rec.Seq, err)
	}
	return tx.Commit()
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

// ListSessions returns every session, most recent first.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.Query(`SELECT s.session_id, s.started_ns, s.ended_ns, COUNT(t.seq)
		FROM sessions s LEFT JOIN ticks t ON t.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_ns DESC, s.session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &started, &ended, &s.Ticks); err != nil {
			return nil, err
		}
		s.Started = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.Ended = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListTicks returns the ticks of sessionID in sequence order. A positive
// limit keeps only the most recent limit ticks.
func (db *DB) ListTicks(sessionID string, limit int) ([]pilot.TickRecord, error) {
	query := `SELECT seq, time_ns,
			x, y, psi, speed, comp_x, comp_y, comp_psi, comp_speed, waypoints,
			reference, cte, epsi,
			delta, accel, steering, throttle, predicted_x, predicted_y,
			status, iterations, cost, solve_time_ns, fallback
		FROM ticks WHERE session_id = ?`
	args := []interface{}{sessionID}
	if limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq`
		args = append(args, limit)
	} else {
		query += ` ORDER BY seq`
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []pilot.TickRecord
	for rows.Next() {
		var (
			rec           pilot.TickRecord
			timeNS, solve int64
			ref, px, py   string
		)
		if err := rows.Scan(&rec.Seq, &timeNS,
			&rec.Measured.X, &rec.Measured.Y, &rec.Measured.Psi, &rec.Measured.V,
			&rec.Compensated.X, &rec.Compensated.Y, &rec.Compensated.Psi, &rec.Compensated.V,
			&rec.Waypoints,
			&ref, &rec.CTE, &rec.EPsi,
			&rec.Delta, &rec.Accel, &rec.Steering, &rec.Throttle, &px, &py,
			&rec.Status, &rec.Iterations, &rec.Cost, &solve, &rec.Fallback,
		); err != nil {
			return nil, err
		}
		rec.Session = sessionID
		rec.Time = time.Unix(0, timeNS).UTC()
		rec.SolveTime = time.Duration(solve)

		var coeffs []float64
		if err := json.Unmarshal([]byte(ref), &coeffs); err != nil {
			return nil, fmt.Errorf("tick %s/%d reference: %w", sessionID, rec.Seq, err)
		}
		rec.Reference = polyfit.Polynomial(coeffs)
		if err := json.Unmarshal([]byte(px), &rec.PredictedX); err != nil {
			return nil, fmt.Errorf("tick %s/%d predicted_x: %w", sessionID, rec.Seq, err)
		}
		if err := json.Unmarshal([]byte(py), &rec.PredictedY); err != nil {
			return nil, fmt.Errorf("tick %s/%d predicted_y: %w", sessionID, rec.Seq, err)
		}
		ticks = append(ticks, rec)
	}
	return ticks, rows.Err()
}
