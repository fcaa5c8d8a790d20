package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"physiquest-session/internal/domain"
	"physiquest-session/internal/infra/postgres/migrations"
)

type questionSetRow struct {
	bun.BaseModel `bun:"table:question_sets"`

	ID        string             `bun:"id,pk"`
	Title     string             `bun:"title,notnull"`
	Data      domain.QuestionSet `bun:"data,type:jsonb,notnull"`
	UpdatedAt time.Time          `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// OpenDB opens a bun handle over the pg driver.
func OpenDB(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// Migrate applies every pending migration and returns the applied group.
func Migrate(ctx context.Context, db *bun.DB) (*migrate.MigrationGroup, error) {
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return nil, err
	}
	return migrator.Migrate(ctx)
}

// Seeder writes question sets for the loader to serve.
type Seeder struct {
	db *bun.DB
}

func NewSeeder(db *bun.DB) *Seeder {
	return &Seeder{db: db}
}

// Upsert validates set and stores it, replacing any set with the same id.
func (s *Seeder) Upsert(ctx context.Context, set domain.QuestionSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	row := &questionSetRow{ID: set.ID, Title: set.Title, Data: set, UpdatedAt: time.Now().UTC()}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("data = EXCLUDED.data").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// Delete removes a set. Deleting an unknown set is not an error.
func (s *Seeder) Delete(ctx context.Context, setID string) error {
	_, err := s.db.NewDelete().Model((*questionSetRow)(nil)).Where("id = ?", setID).Exec(ctx)
	return err
}

// IDs lists stored set identifiers.
func (s *Seeder) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.NewSelect().Model((*questionSetRow)(nil)).Column("id").Order("id ASC").Scan(ctx, &ids)
	return ids, err
}
