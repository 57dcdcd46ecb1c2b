package integration

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
)

// TestDB manages PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("bastion"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         &database.DB{Pool: pool},
	}, nil
}

// runMigrations executes all goose migrations
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir, err := filepath.Abs("../../migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	// Suppress goose logs
	goose.SetLogger(log.New(io.Discard, "", 0))

	// Goose needs a stdlib DB connection
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"refresh_tokens",
		"devices",
		"ip_restrictions",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// InitializeRepositories creates all repository instances from database wrapper
func InitializeRepositories(db *database.DB) (
	repositories.RestrictionRepository,
	repositories.DeviceRepository,
	repositories.RefreshTokenRepository,
) {
	return repositories.NewRestrictionRepository(db),
		repositories.NewDeviceRepository(db),
		repositories.NewRefreshTokenRepository(db)
}

// SeedRestriction inserts a restriction row
func SeedRestriction(ctx context.Context, repo repositories.RestrictionRepository, pattern string, rtype models.RestrictionType, expiresAt *time.Time) (*models.IPRestriction, error) {
	restriction := &models.IPRestriction{
		IPPattern: pattern,
		Type:      rtype,
		Reason:    "seeded for test",
		Source:    models.RestrictionSourceManual,
		ExpiresAt: expiresAt,
	}

	if err := repo.Create(ctx, restriction); err != nil {
		return nil, fmt.Errorf("failed to seed restriction: %w", err)
	}

	return restriction, nil
}

// SeedRefreshToken inserts an active refresh token bound to a device row
func SeedRefreshToken(ctx context.Context, pool *pgxpool.Pool, userID, deviceRowID string, expiresAt time.Time) (string, error) {
	query := `
		INSERT INTO refresh_tokens (id, user_id, device_id, token_hash, expires_at)
		VALUES (gen_random_uuid(), $1, $2, md5(random()::text), $3)
		RETURNING id
	`

	var id string
	if err := pool.QueryRow(ctx, query, userID, deviceRowID, expiresAt).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to seed refresh token: %w", err)
	}

	return id, nil
}

// CountActiveRefreshTokens counts non-revoked tokens for a device row
func CountActiveRefreshTokens(ctx context.Context, pool *pgxpool.Pool, deviceRowID string) (int, error) {
	var count int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM refresh_tokens WHERE device_id = $1 AND revoked_at IS NULL`,
		deviceRowID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count refresh tokens: %w", err)
	}
	return count, nil
}
