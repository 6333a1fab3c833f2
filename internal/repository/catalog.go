package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpn-shop-bot/internal/model"
)

const (
	planColumns   = `id, name, duration_days, traffic_gb, price, is_active`
	serverColumns = `id, name, panel_url, username, password, inbound_id, link_host, link_port, protocol, is_active`
)

// PlanRepository reads the plan catalog.
type PlanRepository struct {
	pool *pgxpool.Pool
}

// NewPlanRepository creates a new PlanRepository instance.
func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

func scanPlan(row rowScanner) (*model.Plan, error) {
	var p model.Plan
	if err := row.Scan(&p.ID, &p.Name, &p.DurationDays, &p.TrafficGB, &p.Price, &p.IsActive); err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a plan.
func (r *PlanRepository) Create(ctx context.Context, p *model.Plan) (*model.Plan, error) {
	const query = `
		INSERT INTO plans (name, duration_days, traffic_gb, price, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + planColumns

	created, err := scanPlan(r.pool.QueryRow(ctx, query, p.Name, p.DurationDays, p.TrafficGB, p.Price, p.IsActive))
	if err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return created, nil
}

// GetByID retrieves a plan.
func (r *PlanRepository) GetByID(ctx context.Context, id int64) (*model.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM plans WHERE id = $1`

	p, err := scanPlan(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// ListActive returns purchasable plans, cheapest first.
func (r *PlanRepository) ListActive(ctx context.Context) ([]*model.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM plans WHERE is_active ORDER BY price, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}

// ServerRepository reads panel descriptors. Rows are owned by operations tooling.
type ServerRepository struct {
	pool *pgxpool.Pool
}

// NewServerRepository creates a new ServerRepository instance.
func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

func scanServer(row rowScanner) (*model.Server, error) {
	var s model.Server
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.PanelURL,
		&s.Username,
		&s.Password,
		&s.InboundID,
		&s.LinkHost,
		&s.LinkPort,
		&s.Protocol,
		&s.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a server descriptor.
func (r *ServerRepository) Create(ctx context.Context, s *model.Server) (*model.Server, error) {
	const query = `
		INSERT INTO servers (name, panel_url, username, password, inbound_id, link_host, link_port, protocol, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + serverColumns

	created, err := scanServer(r.pool.QueryRow(ctx, query,
		s.Name, s.PanelURL, s.Username, s.Password, s.InboundID, s.LinkHost, s.LinkPort, s.Protocol, s.IsActive,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return created, nil
}

// GetByID retrieves a server.
func (r *ServerRepository) GetByID(ctx context.Context, id int64) (*model.Server, error) {
	const query = `SELECT ` + serverColumns + ` FROM servers WHERE id = $1`

	s, err := scanServer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServerNotFound
		}
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return s, nil
}

// ListActive returns every active server.
func (r *ServerRepository) ListActive(ctx context.Context) ([]*model.Server, error) {
	const query = `SELECT ` + serverColumns + ` FROM servers WHERE is_active ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*model.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating servers: %w", err)
	}
	return servers, nil
}
