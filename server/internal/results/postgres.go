package results

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mission-talk/server/internal/model"
)

const (
	upsertResultQuery = `
INSERT INTO mission_results (user_id, mission_id, percentage, decision_count, elapsed_seconds, achievements, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, mission_id) DO UPDATE SET
    percentage      = EXCLUDED.percentage,
    decision_count  = EXCLUDED.decision_count,
    elapsed_seconds = EXCLUDED.elapsed_seconds,
    achievements    = EXCLUDED.achievements,
    completed_at    = EXCLUDED.completed_at`

	getResultQuery = `
SELECT user_id, mission_id, percentage, decision_count, elapsed_seconds, achievements, completed_at
FROM mission_results
WHERE user_id = $1 AND mission_id = $2`

	listResultsByUserQuery = `
SELECT user_id, mission_id, percentage, decision_count, elapsed_seconds, achievements, completed_at
FROM mission_results
WHERE user_id = $1
ORDER BY completed_at DESC, mission_id`
)

// PostgresStore 基于 pgx 连接池的结果存储。
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger.Named("ResultsRepo")}
}

// Connect 创建连接池并做一次连通性检查。
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) Save(ctx context.Context, r model.MissionResult) error {
	if err := Validate(r); err != nil {
		return err
	}
	achievements := r.Achievements
	if achievements == nil {
		achievements = []string{}
	}
	_, err := s.pool.Exec(ctx, upsertResultQuery,
		r.UserID, r.MissionID, r.Percentage, r.DecisionCount, r.ElapsedSeconds, achievements, r.CompletedAt)
	if err != nil {
		s.logger.Error("upsert mission result failed",
			zap.String("user_id", r.UserID),
			zap.String("mission_id", r.MissionID),
			zap.Error(err),
		)
		return fmt.Errorf("upsert mission result: %w", err)
	}
	s.logger.Debug("mission result saved", zap.String("user_id", r.UserID), zap.String("mission_id", r.MissionID))
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, missionID string) (model.MissionResult, error) {
	var r model.MissionResult
	if err := pgxscan.Get(ctx, s.pool, &r, getResultQuery, userID, missionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MissionResult{}, ErrNotFound
		}
		return model.MissionResult{}, fmt.Errorf("get mission result: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]model.MissionResult, error) {
	out := []model.MissionResult{}
	if err := pgxscan.Select(ctx, s.pool, &out, listResultsByUserQuery, userID); err != nil {
		return nil, fmt.Errorf("list mission results: %w", err)
	}
	return out, nil
}
