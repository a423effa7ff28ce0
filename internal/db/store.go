package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"smartplan/internal/models"
	"smartplan/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store on Postgres. A Store made by WithTx is bound to that
// transaction and nests into it.
type Store struct {
	q    querier
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{q: tx})
	})
	if err != nil {
		return classifyTx(err)
	}
	return nil
}

// classifyTx classifies server errors from begin and commit; errors returned by fn
// already carry their sentinel.
func classifyTx(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classify("transaction", err)
	}
	return err
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

type scanner interface {
	Scan(dest ...any) error
}

// Structures

const structureColumns = `id, user_id, external_id, name, created_at, updated_at`

func scanStructure(row scanner) (*models.Structure, error) {
	var st models.Structure
	if err := row.Scan(&st.ID, &st.UserID, &st.ExternalID, &st.Name, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetStructureByExternalID(ctx context.Context, userID, externalID string) (*models.Structure, error) {
	st, err := scanStructure(s.q.QueryRow(ctx,
		`SELECT `+structureColumns+` FROM structures WHERE user_id = $1 AND external_id = $2`, userID, externalID))
	if err != nil {
		return nil, notFound("get structure", err, models.ErrNotFound, "structure "+externalID)
	}
	return st, nil
}

func (s *Store) CreateStructure(ctx context.Context, st *models.Structure) error {
	st.ID = newID(st.ID)
	_, err := s.q.Exec(ctx,
		`INSERT INTO structures (`+structureColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		st.ID, st.UserID, st.ExternalID, st.Name, st.CreatedAt, st.UpdatedAt)
	return classify("create structure", err)
}

func (s *Store) UpdateStructure(ctx context.Context, st *models.Structure) error {
	tag, err := s.q.Exec(ctx, `UPDATE structures SET name = $2, updated_at = $3 WHERE id = $1`, st.ID, st.Name, st.UpdatedAt)
	return affected("update structure", tag, err, "structure "+st.ID)
}

// Devices

const deviceColumns = `id, user_id, structure_id, external_id, name, device_type, room, capabilities, last_seen_at, created_at, updated_at`

func scanDevice(row scanner) (*models.Device, error) {
	var d models.Device
	if err := row.Scan(&d.ID, &d.UserID, &d.StructureID, &d.ExternalID, &d.Name, &d.Type, &d.Room,
		&d.Capabilities, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	d, err := scanDevice(s.q.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("get device", err, models.ErrNotFound, "device "+id)
	}
	return d, nil
}

func (s *Store) GetDeviceByExternalID(ctx context.Context, userID, externalID string) (*models.Device, error) {
	d, err := scanDevice(s.q.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 AND external_id = $2`, userID, externalID))
	if err != nil {
		return nil, notFound("get device", err, models.ErrNotFound, "device "+externalID)
	}
	return d, nil
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	rows, err := s.q.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 ORDER BY name, id`, userID)
	if err != nil {
		return nil, classify("list devices", err)
	}
	return collect(rows, "list devices", scanDevice)
}

func (s *Store) CreateDevice(ctx context.Context, d *models.Device) error {
	d.ID = newID(d.ID)
	_, err := s.q.Exec(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.UserID, d.StructureID, d.ExternalID, d.Name, d.Type, d.Room, nullJSON(d.Capabilities),
		d.LastSeenAt, d.CreatedAt, d.UpdatedAt)
	return classify("create device", err)
}

func (s *Store) UpdateDevice(ctx context.Context, d *models.Device) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE devices SET structure_id = $2, name = $3, device_type = $4, room = $5, capabilities = $6,
			last_seen_at = $7, updated_at = $8
		WHERE id = $1`,
		d.ID, d.StructureID, d.Name, d.Type, d.Room, nullJSON(d.Capabilities), d.LastSeenAt, d.UpdatedAt)
	return affected("update device", tag, err, "device "+d.ID)
}

// Device state

func (s *Store) GetDeviceState(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	var st models.DeviceState
	err := s.q.QueryRow(ctx, `SELECT device_id, state, updated_at FROM device_states WHERE device_id = $1`, deviceID).
		Scan(&st.DeviceID, &st.State, &st.UpdatedAt)
	if err != nil {
		return nil, notFound("get device state", err, models.ErrNotFound, "state of device "+deviceID)
	}
	return &st, nil
}

func (s *Store) UpsertDeviceState(ctx context.Context, st models.DeviceState) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO device_states (device_id, state, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		st.DeviceID, []byte(st.State), st.UpdatedAt)
	return classify("upsert device state", err)
}

// Mobile sessions and automation logs

func (s *Store) UpsertMobileSession(ctx context.Context, ms *models.MobileSession) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO mobile_sessions (id, user_id, device_token, platform, app_version, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, device_token) DO UPDATE SET
			platform = EXCLUDED.platform, app_version = EXCLUDED.app_version,
			last_heartbeat = EXCLUDED.last_heartbeat, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		newID(ms.ID), ms.UserID, ms.DeviceToken, ms.Platform, ms.AppVersion, ms.LastHeartbeat, ms.CreatedAt, ms.UpdatedAt).
		Scan(&ms.ID, &ms.CreatedAt)
	return classify("upsert mobile session", err)
}

func (s *Store) InsertAutomationLog(ctx context.Context, l *models.AutomationLog) error {
	l.ID = newID(l.ID)
	_, err := s.q.Exec(ctx,
		`INSERT INTO automation_logs (id, user_id, device_id, rule_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.UserID, l.DeviceID, l.RuleID, l.Action, nullJSON(l.Details), l.CreatedAt)
	return classify("insert automation log", err)
}

// helpers

func collect[T any](rows pgx.Rows, op string, scan func(scanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func affected(op string, tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, what)
	}
	return nil
}

// nullJSON stores an absent document as SQL NULL.
func nullJSON(doc json.RawMessage) any {
	if len(doc) == 0 {
		return nil
	}
	return []byte(doc)
}
