package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"physiquest-session/internal/config"
	"physiquest-session/internal/domain"
	"physiquest-session/internal/infra/file"
	"physiquest-session/internal/infra/memory"
	"physiquest-session/internal/infra/postgres"
	infraredis "physiquest-session/internal/infra/redis"
)

// NewSeedCmd stores question sets in Postgres.
func NewSeedCmd(configPath *string) *cobra.Command {
	var (
		files   []string
		dir     string
		samples bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load question sets from YAML into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			sets, err := collectSets(files, dir, samples)
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), cfg, sets)
		},
	}
	cmd.Flags().StringSliceVar(&files, "file", nil, "question set YAML file (repeatable)")
	cmd.Flags().StringVar(&dir, "dir", "", "directory of question set YAML files")
	cmd.Flags().BoolVar(&samples, "samples", false, "also seed the built-in sample sets")
	return cmd
}

func collectSets(files []string, dir string, samples bool) ([]domain.QuestionSet, error) {
	var sets []domain.QuestionSet
	if dir != "" {
		ids, err := file.NewLoader(dir).IDs()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			matches, _ := filepath.Glob(filepath.Join(dir, id+".y*ml"))
			files = append(files, matches...)
		}
	}
	for _, path := range files {
		set, err := file.ReadFile(path)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	if samples {
		for _, set := range memory.SampleSets() {
			sets = append(sets, set)
		}
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("nothing to seed: pass --file, --dir or --samples")
	}
	return sets, nil
}

func runSeed(ctx context.Context, cfg config.Config, sets []domain.QuestionSet) error {
	if err := runMigrationsWithConfig(ctx, cfg); err != nil {
		return err
	}
	db := postgres.OpenDB(cfg.Postgres.URL)
	defer db.Close()
	seeder := postgres.NewSeeder(db)

	var cache *infraredis.Repository
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		cache = infraredis.NewRepository(client, nil, 0)
	}

	for _, set := range sets {
		if err := seeder.Upsert(ctx, set); err != nil {
			return fmt.Errorf("seed %s: %w", set.ID, err)
		}
		if cache != nil {
			if err := cache.Invalidate(ctx, set.ID); err != nil {
				log.Warn().Err(err).Str("set_id", set.ID).Msg("invalidate cached set")
			}
		}
		log.Info().Str("set_id", set.ID).Int("questions", set.QuestionCount()).Msg("question set seeded")
	}
	return nil
}
