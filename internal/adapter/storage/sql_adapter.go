package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type SQLAdapter struct {
	db      *sql.DB
	dialect Dialect
	policy  RetryPolicy
}

func NewSQLAdapter(db *sql.DB, dialect Dialect, policy RetryPolicy) *SQLAdapter {
	return &SQLAdapter{db: db, dialect: dialect, policy: policy}
}

// Migrate creates the tables if they do not exist yet.
func (s *SQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLAdapter) RunInTx(ctx context.Context, fn port.TxFunc) error {
	return s.policy.Run(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(ctx, &sqlTx{q: tx, d: s.dialect}); err != nil {
			return s.dialect.classify(err)
		}
		if err := tx.Commit(); err != nil {
			return s.dialect.classify(fmt.Errorf("commit: %w", err))
		}
		return nil
	})
}

func (s *SQLAdapter) GetMenu(ctx context.Context, id string) (*domain.PublishedMenu, error) {
	return getMenu(ctx, s.db, s.dialect, id)
}

func (s *SQLAdapter) ListMenus(ctx context.Context, includeArchived bool) ([]domain.PublishedMenu, error) {
	query := `SELECT ` + menuColumns + ` FROM published_menus`
	if !includeArchived {
		query += ` WHERE is_archived = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query menus: %w", err)
	}
	defer rows.Close()

	var menus []domain.PublishedMenu
	for rows.Next() {
		m, err := scanMenu(rows)
		if err != nil {
			return nil, err
		}
		menus = append(menus, *m)
	}
	return menus, rows.Err()
}

func (s *SQLAdapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, s.db, s.dialect, id)
}

func (s *SQLAdapter) ListOrders(ctx context.Context, filter port.OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1 = 1`
	var args []any
	if filter.Area != "" {
		query += ` AND area = ?`
		args = append(args, filter.Area)
	}
	if filter.AgentID != "" {
		query += ` AND assigned_agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if !filter.IncludeClosed {
		query += ` AND status <> ?`
		args = append(args, string(domain.OrderStatusClosed))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	return s.queryOrders(ctx, query, args...)
}

func (s *SQLAdapter) ListOpenOrdersByArea(ctx context.Context, area string) ([]domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE area = ? AND status <> ?
		ORDER BY created_at ASC, id ASC`,
		area, string(domain.OrderStatusClosed),
	)
}

func (s *SQLAdapter) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *SQLAdapter) GetAgent(ctx context.Context, id string) (*domain.DeliveryAgent, error) {
	return getAgent(ctx, s.db, s.dialect, id)
}

func (s *SQLAdapter) ListAgents(ctx context.Context) ([]domain.DeliveryAgent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM delivery_agents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.DeliveryAgent
	for rows.Next() {
		var a domain.DeliveryAgent
		if err := rows.Scan(&a.ID, &a.Name, &a.Active, &a.Version, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLAdapter) ListAreas(ctx context.Context) ([]domain.ServiceArea, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+areaColumns+` FROM service_areas ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query areas: %w", err)
	}
	defer rows.Close()

	var areas []domain.ServiceArea
	for rows.Next() {
		var a domain.ServiceArea
		if err := rows.Scan(&a.Name, &a.Version, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

func (s *SQLAdapter) GetAssignment(ctx context.Context, area string) (*domain.AreaAssignment, error) {
	return getAssignment(ctx, s.db, s.dialect, area)
}

func (s *SQLAdapter) ListAssignments(ctx context.Context) ([]domain.AreaAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM area_assignments ORDER BY area ASC`)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []domain.AreaAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLAdapter) ListSweepCheckpoints(ctx context.Context) ([]domain.SweepCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM sweep_checkpoints ORDER BY area`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []domain.SweepCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, *cp)
	}
	return cps, rows.Err()
}

// sqlTx executes writes immediately inside the database transaction. Each
// update is conditional on the version the caller read; a miss is a conflict.
type sqlTx struct {
	q querier
	d Dialect
}

func (t *sqlTx) GetMenu(ctx context.Context, id string) (*domain.PublishedMenu, error) {
	return getMenu(ctx, t.q, t.d, id)
}

func (t *sqlTx) GetArea(ctx context.Context, name string) (*domain.ServiceArea, error) {
	var a domain.ServiceArea
	err := t.q.QueryRowContext(ctx, t.d.rebind(`SELECT `+areaColumns+` FROM service_areas WHERE name = ?`), name).
		Scan(&a.Name, &a.Version, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query area: %w", err)
	}
	return &a, nil
}

func (t *sqlTx) GetAssignment(ctx context.Context, area string) (*domain.AreaAssignment, error) {
	return getAssignment(ctx, t.q, t.d, area)
}

func (t *sqlTx) GetAgent(ctx context.Context, id string) (*domain.DeliveryAgent, error) {
	return getAgent(ctx, t.q, t.d, id)
}

func (t *sqlTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, t.q, t.d, id)
}

func (t *sqlTx) GetSweepCheckpoint(ctx context.Context, area string) (*domain.SweepCheckpoint, error) {
	cp, err := scanCheckpoint(t.q.QueryRowContext(ctx,
		t.d.rebind(`SELECT `+checkpointColumns+` FROM sweep_checkpoints WHERE area = ?`), area))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

func (t *sqlTx) PutMenu(ctx context.Context, m *domain.PublishedMenu) error {
	items, err := json.Marshal(m.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	remaining, err := json.Marshal(m.Remaining)
	if err != nil {
		return fmt.Errorf("encode remaining: %w", err)
	}

	if m.Version == 0 {
		return t.exec(ctx, `
			INSERT INTO published_menus (id, menu_date, meal_type, items, remaining, is_archived, orders_stopped, version, created_at, stopped_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			m.ID, m.Date, string(m.MealType), string(items), string(remaining), m.IsArchived, m.OrdersStopped,
			m.CreatedAt, nullTime(m.StoppedAt), nullTime(m.ArchivedAt),
		)
	}
	return t.update(ctx, `
		UPDATE published_menus
		SET menu_date = ?, meal_type = ?, items = ?, remaining = ?, is_archived = ?, orders_stopped = ?,
			stopped_at = ?, archived_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		m.Date, string(m.MealType), string(items), string(remaining), m.IsArchived, m.OrdersStopped,
		nullTime(m.StoppedAt), nullTime(m.ArchivedAt), m.ID, m.Version,
	)
}

// PutArea only inserts; a registered area has nothing to update.
func (t *sqlTx) PutArea(ctx context.Context, a *domain.ServiceArea) error {
	if a.Version != 0 {
		return nil
	}
	return t.exec(ctx, `INSERT INTO service_areas (name, version, created_at) VALUES (?, 1, ?)`, a.Name, a.CreatedAt)
}

func (t *sqlTx) PutAssignment(ctx context.Context, a *domain.AreaAssignment) error {
	ids, err := json.Marshal(a.AgentIDs)
	if err != nil {
		return fmt.Errorf("encode agent ids: %w", err)
	}
	if a.Version == 0 {
		return t.exec(ctx, `
			INSERT INTO area_assignments (area, agent_ids, last_index, version, updated_at)
			VALUES (?, ?, ?, 1, ?)`,
			a.Area, string(ids), a.LastIndex, a.UpdatedAt,
		)
	}
	return t.update(ctx, `
		UPDATE area_assignments SET agent_ids = ?, last_index = ?, updated_at = ?, version = version + 1
		WHERE area = ? AND version = ?`,
		string(ids), a.LastIndex, a.UpdatedAt, a.Area, a.Version,
	)
}

func (t *sqlTx) PutAgent(ctx context.Context, a *domain.DeliveryAgent) error {
	if a.Version == 0 {
		return t.exec(ctx, `
			INSERT INTO delivery_agents (id, name, active, version, created_at)
			VALUES (?, ?, ?, 1, ?)`,
			a.ID, a.Name, a.Active, a.CreatedAt,
		)
	}
	return t.update(ctx, `
		UPDATE delivery_agents SET name = ?, active = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		a.Name, a.Active, a.ID, a.Version,
	)
}

func (t *sqlTx) PutOrder(ctx context.Context, o *domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}
	var lat, lng sql.NullFloat64
	label := ""
	if o.Location != nil {
		lat = sql.NullFloat64{Float64: o.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: o.Location.Lng, Valid: true}
		label = o.Location.Label
	}

	if o.Version == 0 {
		return t.exec(ctx, `
			INSERT INTO orders (id, status, undelivered_reason, menu_id, published_date, meal_type,
				customer_name, phone, address_line1, street, delivery_type, address, area,
				lat, lng, location_label, items, total, assigned_agent_id, assigned_agent_name,
				version, created_at, updated_at, closed_at, undelivered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
			o.ID, string(o.Status), o.UndeliveredReason, o.MenuID, o.PublishedDate, string(o.MealType),
			o.Customer.Name, o.Customer.Phone, o.Customer.AddressLine1, o.Customer.Street,
			string(o.DeliveryType), o.Address, o.Area, lat, lng, label, string(items), o.Total,
			o.AssignedAgentID, o.AssignedAgentName, o.CreatedAt, o.UpdatedAt,
			nullTime(o.ClosedAt), nullTime(o.UndeliveredAt),
		)
	}
	// Line items, total and creation data are immutable after insert.
	return t.update(ctx, `
		UPDATE orders SET status = ?, undelivered_reason = ?, assigned_agent_id = ?, assigned_agent_name = ?,
			updated_at = ?, closed_at = ?, undelivered_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(o.Status), o.UndeliveredReason, o.AssignedAgentID, o.AssignedAgentName,
		o.UpdatedAt, nullTime(o.ClosedAt), nullTime(o.UndeliveredAt), o.ID, o.Version,
	)
}

func (t *sqlTx) PutSweepCheckpoint(ctx context.Context, cp *domain.SweepCheckpoint) error {
	if cp.Version == 0 {
		return t.exec(ctx, `
			INSERT INTO sweep_checkpoints (area, roster_key, cursor_index, last_order_id, last_created_at, processed, started_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			cp.Area, cp.RosterKey, cp.Cursor, cp.LastOrderID, cp.LastCreatedAt, cp.Processed, cp.StartedAt,
		)
	}
	return t.update(ctx, `
		UPDATE sweep_checkpoints SET roster_key = ?, cursor_index = ?, last_order_id = ?, last_created_at = ?,
			processed = ?, started_at = ?, version = version + 1
		WHERE area = ? AND version = ?`,
		cp.RosterKey, cp.Cursor, cp.LastOrderID, cp.LastCreatedAt, cp.Processed, cp.StartedAt, cp.Area, cp.Version,
	)
}

func (t *sqlTx) DeleteSweepCheckpoint(ctx context.Context, area string) error {
	return t.exec(ctx, `DELETE FROM sweep_checkpoints WHERE area = ?`, area)
}

func (t *sqlTx) DeleteArea(ctx context.Context, a *domain.ServiceArea) error {
	return t.update(ctx, `DELETE FROM service_areas WHERE name = ? AND version = ?`, a.Name, a.Version)
}

func (t *sqlTx) DeleteAssignment(ctx context.Context, a *domain.AreaAssignment) error {
	return t.update(ctx, `DELETE FROM area_assignments WHERE area = ? AND version = ?`, a.Area, a.Version)
}

func (t *sqlTx) DeleteAgent(ctx context.Context, a *domain.DeliveryAgent) error {
	return t.update(ctx, `DELETE FROM delivery_agents WHERE id = ? AND version = ?`, a.ID, a.Version)
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) error {
	if _, err := t.q.ExecContext(ctx, t.d.rebind(query), args...); err != nil {
		return t.d.classify(fmt.Errorf("exec: %w", err))
	}
	return nil
}

func (t *sqlTx) update(ctx context.Context, query string, args ...any) error {
	result, err := t.q.ExecContext(ctx, t.d.rebind(query), args...)
	if err != nil {
		return t.d.classify(fmt.Errorf("update: %w", err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return port.ErrConflict
	}
	return nil
}

const (
	menuColumns       = `id, menu_date, meal_type, items, remaining, is_archived, orders_stopped, version, created_at, stopped_at, archived_at`
	agentColumns      = `id, name, active, version, created_at`
	areaColumns       = `name, version, created_at`
	assignmentColumns = `area, agent_ids, last_index, version, updated_at`
	checkpointColumns = `area, roster_key, cursor_index, last_order_id, last_created_at, processed, started_at, version`
	orderColumns      = `id, status, undelivered_reason, menu_id, published_date, meal_type,
		customer_name, phone, address_line1, street, delivery_type, address, area,
		lat, lng, location_label, items, total, assigned_agent_id, assigned_agent_name,
		version, created_at, updated_at, closed_at, undelivered_at`
)

func getMenu(ctx context.Context, q querier, d Dialect, id string) (*domain.PublishedMenu, error) {
	m, err := scanMenu(q.QueryRowContext(ctx, d.rebind(`SELECT `+menuColumns+` FROM published_menus WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func getOrder(ctx context.Context, q querier, d Dialect, id string) (*domain.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, d.rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func getAgent(ctx context.Context, q querier, d Dialect, id string) (*domain.DeliveryAgent, error) {
	var a domain.DeliveryAgent
	err := q.QueryRowContext(ctx, d.rebind(`SELECT `+agentColumns+` FROM delivery_agents WHERE id = ?`), id).
		Scan(&a.ID, &a.Name, &a.Active, &a.Version, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return &a, nil
}

func getAssignment(ctx context.Context, q querier, d Dialect, area string) (*domain.AreaAssignment, error) {
	a, err := scanAssignment(q.QueryRowContext(ctx, d.rebind(`SELECT `+assignmentColumns+` FROM area_assignments WHERE area = ?`), area))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func scanAssignment(row rowScanner) (*domain.AreaAssignment, error) {
	var (
		a   domain.AreaAssignment
		ids string
	)
	if err := row.Scan(&a.Area, &ids, &a.LastIndex, &a.Version, &a.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan assignment: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &a.AgentIDs); err != nil {
		return nil, fmt.Errorf("decode agent ids: %w", err)
	}
	return &a, nil
}

func scanMenu(row rowScanner) (*domain.PublishedMenu, error) {
	var (
		m                 domain.PublishedMenu
		meal              string
		items, remaining  string
		stopped, archived sql.NullTime
	)
	err := row.Scan(&m.ID, &m.Date, &meal, &items, &remaining, &m.IsArchived, &m.OrdersStopped,
		&m.Version, &m.CreatedAt, &stopped, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan menu: %w", err)
	}
	m.MealType = domain.MealType(meal)
	if err := json.Unmarshal([]byte(items), &m.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if err := json.Unmarshal([]byte(remaining), &m.Remaining); err != nil {
		return nil, fmt.Errorf("decode remaining: %w", err)
	}
	m.StoppedAt = timePtr(stopped)
	m.ArchivedAt = timePtr(archived)
	return &m, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                      domain.Order
		status, meal, delivery string
		lat, lng               sql.NullFloat64
		label, items           string
		total                  decimal.Decimal
		closed, undelivered    sql.NullTime
	)
	err := row.Scan(&o.ID, &status, &o.UndeliveredReason, &o.MenuID, &o.PublishedDate, &meal,
		&o.Customer.Name, &o.Customer.Phone, &o.Customer.AddressLine1, &o.Customer.Street,
		&delivery, &o.Address, &o.Area, &lat, &lng, &label, &items, &total,
		&o.AssignedAgentID, &o.AssignedAgentName, &o.Version, &o.CreatedAt, &o.UpdatedAt,
		&closed, &undelivered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = domain.OrderStatus(status)
	o.MealType = domain.MealType(meal)
	o.DeliveryType = domain.DeliveryType(delivery)
	o.Total = total
	if lat.Valid && lng.Valid {
		o.Location = &domain.Location{Lat: lat.Float64, Lng: lng.Float64, Label: label}
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	o.ClosedAt = timePtr(closed)
	o.UndeliveredAt = timePtr(undelivered)
	return &o, nil
}

func scanCheckpoint(row rowScanner) (*domain.SweepCheckpoint, error) {
	var cp domain.SweepCheckpoint
	err := row.Scan(&cp.Area, &cp.RosterKey, &cp.Cursor, &cp.LastOrderID, &cp.LastCreatedAt, &cp.Processed, &cp.StartedAt, &cp.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return &cp, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
