package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/jobcoord/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: every ":memory:" connection is its own database, and
	// the broker serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// timeLayout is fixed width so that text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

// --- Applications ---

const appColumns = `id, name, queue, app_user, priority, state, final_status, progress, diagnostics,
	coordinator, token, host, rpc_port, tracking_url, created_at, started_at, finished_at`

func (s *SQLiteStore) CreateApplication(ctx context.Context, app *model.Application) error {
	s.logger.Debug("sql", "op", "insert", "table", "applications", "id", app.ID)

	coordJSON, err := json.Marshal(app.Coordinator)
	if err != nil {
		return fmt.Errorf("marshal coordinator: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO applications (`+appColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.Name, app.Queue, app.User, app.Priority, string(app.State), string(app.FinalStatus),
		app.Progress, app.Diagnostics, string(coordJSON), app.Token, app.Host, app.RPCPort, app.TrackingURL,
		formatTime(app.CreatedAt), formatTimePtr(app.StartedAt), formatTimePtr(app.FinishedAt),
	)
	return err
}

func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	s.logger.Debug("sql", "op", "select", "table", "applications", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM applications WHERE id = ?`, id)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return app, err
}

func (s *SQLiteStore) ListApplications(ctx context.Context, opts model.ListOptions) ([]*model.Application, error) {
	s.logger.Debug("sql", "op", "list", "table", "applications", "limit", opts.Limit, "state", opts.State)
	opts.Clamp()

	query := `SELECT ` + appColumns + ` FROM applications`
	var args []any
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, opts.State)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (s *SQLiteStore) UpdateApplication(ctx context.Context, app *model.Application) error {
	s.logger.Debug("sql", "op", "update", "table", "applications", "id", app.ID, "state", app.State)

	res, err := s.db.ExecContext(ctx,
		`UPDATE applications SET state = ?, final_status = ?, progress = ?, diagnostics = ?, app_user = ?,
		 host = ?, rpc_port = ?, tracking_url = ?, started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(app.State), string(app.FinalStatus), app.Progress, app.Diagnostics, app.User,
		app.Host, app.RPCPort, app.TrackingURL, formatTimePtr(app.StartedAt), formatTimePtr(app.FinishedAt),
		app.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res, "application", app.ID)
}

func scanApplication(row scanner) (*model.Application, error) {
	var app model.Application
	var state, finalStatus, coordJSON, createdAt string
	var startedAt, finishedAt *string

	if err := row.Scan(&app.ID, &app.Name, &app.Queue, &app.User, &app.Priority, &state, &finalStatus,
		&app.Progress, &app.Diagnostics, &coordJSON, &app.Token, &app.Host, &app.RPCPort, &app.TrackingURL,
		&createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(coordJSON), &app.Coordinator); err != nil {
		return nil, fmt.Errorf("unmarshal coordinator: %w", err)
	}
	app.State = model.AppState(state)
	app.FinalStatus = model.FinalStatus(finalStatus)
	app.CreatedAt = parseTime(createdAt)
	app.StartedAt = parseTimePtr(startedAt)
	app.FinishedAt = parseTimePtr(finishedAt)
	return &app, nil
}

// --- Slot requests ---

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *model.PendingRequest) error {
	s.logger.Debug("sql", "op", "insert", "table", "slot_requests", "id", req.ID, "app_id", req.AppID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slot_requests (id, app_id, memory_mb, vcores, priority, coordinator, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.AppID, req.Resource.MemoryMB, req.Resource.VCores, req.Priority, req.Coordinator,
		formatTime(req.CreatedAt),
	)
	return err
}

// ListRequests returns every outstanding request, highest priority first,
// then oldest first.
func (s *SQLiteStore) ListRequests(ctx context.Context) ([]*model.PendingRequest, error) {
	s.logger.Debug("sql", "op", "list", "table", "slot_requests")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, memory_mb, vcores, priority, coordinator, created_at
		 FROM slot_requests ORDER BY priority DESC, created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*model.PendingRequest
	for rows.Next() {
		var r model.PendingRequest
		var createdAt string
		if err := rows.Scan(&r.ID, &r.AppID, &r.Resource.MemoryMB, &r.Resource.VCores,
			&r.Priority, &r.Coordinator, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(createdAt)
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

func (s *SQLiteStore) DeleteRequest(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "slot_requests", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM slot_requests WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteRequestsByApp(ctx context.Context, appID string) (int64, error) {
	s.logger.Debug("sql", "op", "delete", "table", "slot_requests", "app_id", appID)
	res, err := s.db.ExecContext(ctx, `DELETE FROM slot_requests WHERE app_id = ?`, appID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Slots ---

const slotColumns = `id, app_id, node_id, node_addr, memory_mb, vcores, priority, state, coordinator,
	exit_code, diagnostics, stdout, stderr, delivered, done_delivered, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateSlot(ctx context.Context, slot *model.Slot) error {
	s.logger.Debug("sql", "op", "insert", "table", "slots", "id", slot.ID, "app_id", slot.AppID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slots (`+slotColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slot.ID, slot.AppID, slot.NodeID, slot.NodeAddr, slot.Resource.MemoryMB, slot.Resource.VCores,
		slot.Priority, string(slot.State), slot.Coordinator, slot.ExitCode, slot.Diagnostics,
		slot.Stdout, slot.Stderr, slot.Delivered, slot.DoneDelivered,
		formatTime(slot.CreatedAt), formatTimePtr(slot.StartedAt), formatTimePtr(slot.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetSlot(ctx context.Context, id string) (*model.Slot, error) {
	s.logger.Debug("sql", "op", "select", "table", "slots", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = ?`, id)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return slot, err
}

func (s *SQLiteStore) UpdateSlot(ctx context.Context, slot *model.Slot) error {
	s.logger.Debug("sql", "op", "update", "table", "slots", "id", slot.ID, "state", slot.State)

	res, err := s.db.ExecContext(ctx,
		`UPDATE slots SET state = ?, exit_code = ?, diagnostics = ?, stdout = ?, stderr = ?,
		 delivered = ?, done_delivered = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(slot.State), slot.ExitCode, slot.Diagnostics, slot.Stdout, slot.Stderr,
		slot.Delivered, slot.DoneDelivered, formatTimePtr(slot.StartedAt), formatTimePtr(slot.CompletedAt),
		slot.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res, "slot", slot.ID)
}

func (s *SQLiteStore) ListSlotsByApp(ctx context.Context, appID string) ([]*model.Slot, error) {
	s.logger.Debug("sql", "op", "list", "table", "slots", "app_id", appID)
	return s.querySlots(ctx, `SELECT `+slotColumns+` FROM slots WHERE app_id = ? ORDER BY created_at, rowid`, appID)
}

func (s *SQLiteStore) ListSlotsByNode(ctx context.Context, nodeID string) ([]*model.Slot, error) {
	s.logger.Debug("sql", "op", "list", "table", "slots", "node_id", nodeID)
	return s.querySlots(ctx, `SELECT `+slotColumns+` FROM slots WHERE node_id = ? ORDER BY created_at, rowid`, nodeID)
}

func (s *SQLiteStore) ListSlotsByState(ctx context.Context, state model.SlotState) ([]*model.Slot, error) {
	s.logger.Debug("sql", "op", "list", "table", "slots", "state", state)
	return s.querySlots(ctx, `SELECT `+slotColumns+` FROM slots WHERE state = ? ORDER BY created_at, rowid`, string(state))
}

func (s *SQLiteStore) ListUndelivered(ctx context.Context, appID string) ([]*model.Slot, error) {
	s.logger.Debug("sql", "op", "list_undelivered", "table", "slots", "app_id", appID)
	return s.querySlots(ctx,
		`SELECT `+slotColumns+` FROM slots
		 WHERE app_id = ? AND coordinator = 0
		   AND (delivered = 0 OR (state IN ('COMPLETED', 'RELEASED') AND done_delivered = 0))
		 ORDER BY created_at, rowid`, appID)
}

func (s *SQLiteStore) querySlots(ctx context.Context, query string, args ...any) ([]*model.Slot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []*model.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

func scanSlot(row scanner) (*model.Slot, error) {
	var slot model.Slot
	var state, createdAt string
	var startedAt, completedAt *string

	if err := row.Scan(&slot.ID, &slot.AppID, &slot.NodeID, &slot.NodeAddr,
		&slot.Resource.MemoryMB, &slot.Resource.VCores, &slot.Priority, &state, &slot.Coordinator,
		&slot.ExitCode, &slot.Diagnostics, &slot.Stdout, &slot.Stderr, &slot.Delivered, &slot.DoneDelivered,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	slot.State = model.SlotState(state)
	slot.CreatedAt = parseTime(createdAt)
	slot.StartedAt = parseTimePtr(startedAt)
	slot.CompletedAt = parseTimePtr(completedAt)
	return &slot, nil
}

// --- Nodes ---

const nodeColumns = `id, name, addr, state, capacity_mb, capacity_vcores, used_mb, used_vcores, last_seen, registered_at`

func (s *SQLiteStore) CreateNode(ctx context.Context, n *model.Node) error {
	s.logger.Debug("sql", "op", "insert", "table", "nodes", "id", n.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Name, n.Addr, string(n.State), n.Capacity.MemoryMB, n.Capacity.VCores,
		n.Used.MemoryMB, n.Used.VCores, formatTime(n.LastSeen), formatTime(n.RegisteredAt),
	)
	return err
}

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*model.Node, error) {
	s.logger.Debug("sql", "op", "select", "table", "nodes", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func (s *SQLiteStore) UpdateNode(ctx context.Context, n *model.Node) error {
	s.logger.Debug("sql", "op", "update", "table", "nodes", "id", n.ID, "state", n.State)

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET name = ?, addr = ?, state = ?, capacity_mb = ?, capacity_vcores = ?,
		 used_mb = ?, used_vcores = ?, last_seen = ? WHERE id = ?`,
		n.Name, n.Addr, string(n.State), n.Capacity.MemoryMB, n.Capacity.VCores,
		n.Used.MemoryMB, n.Used.VCores, formatTime(n.LastSeen), n.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res, "node", n.ID)
}

func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "nodes", "id", id)

	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "node", id)
}

func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	s.logger.Debug("sql", "op", "list", "table", "nodes")

	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY registered_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanNode(row scanner) (*model.Node, error) {
	var n model.Node
	var state, lastSeen, registeredAt string
	if err := row.Scan(&n.ID, &n.Name, &n.Addr, &state, &n.Capacity.MemoryMB, &n.Capacity.VCores,
		&n.Used.MemoryMB, &n.Used.VCores, &lastSeen, &registeredAt); err != nil {
		return nil, err
	}
	n.State = model.NodeState(state)
	n.LastSeen = parseTime(lastSeen)
	n.RegisteredAt = parseTime(registeredAt)
	return &n, nil
}

// expectOne reports a missing row for UPDATE and DELETE statements.
func expectOne(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", entity, id)
	}
	return nil
}
