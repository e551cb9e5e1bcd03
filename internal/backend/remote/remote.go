// Package remote is the networked backing store: messages, watermarks and
// settings live in PostgreSQL, and every accepted write is announced on a
// NATS JetStream subject per conversation so live windows refresh.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matheus3301/chatsync/internal/backend/remote/migrations"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Config locates the database and the message bus.
type Config struct {
	PostgresDSN   string
	NATSURL       string
	Stream        string
	SubjectPrefix string
}

func (c *Config) setDefaults() {
	if c.NATSURL == "" {
		c.NATSURL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "CHATSYNC"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "chat"
	}
}

// Backend is safe for concurrent use.
type Backend struct {
	cfg    Config
	pool   *pgxpool.Pool
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// Open connects to PostgreSQL and NATS, applies the schema and ensures the
// stream exists.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PostgresDSN == "" {
		return nil, errors.New("remote backend: postgres dsn is required")
	}

	if err := Migrate(cfg.PostgresDSN); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("chatsyncd"))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(sctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Conversation change notifications",
		Subjects:    []string{cfg.SubjectPrefix + ".*"},
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to ensure stream %q: %w", cfg.Stream, err)
	}

	logger.Info("remote backend connected",
		zap.String("nats_url", cfg.NATSURL),
		zap.String("stream", cfg.Stream))
	return &Backend{cfg: cfg, pool: pool, nc: nc, js: js, logger: logger}, nil
}

// Close releases the database pool and the NATS connection.
func (b *Backend) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// Migrate applies the embedded schema migrations.
func Migrate(dsn string) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres DSN to the scheme of the pgx/v5 migrate driver.
func migrateURL(dsn string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}

func (b *Backend) subject(conversationID string) string {
	return b.cfg.SubjectPrefix + "." + conversationID
}

// validConversationID reports whether id can be used as a single subject token.
func validConversationID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}
