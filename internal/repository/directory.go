package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

// DirectoryRepository хранит единственную публичную запись каталога.
// Таблица directory_record — одна строка с фиксированным id = 1.
type DirectoryRepository struct {
	pool *pgxpool.Pool
}

func NewDirectoryRepository(pool *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

func (r *DirectoryRepository) Get(ctx context.Context) (*model.DirectoryRecord, error) {
	defer logger.DeferLogDuration("directory.Get", time.Now())()
	rec := &model.DirectoryRecord{}
	row := r.pool.QueryRow(ctx,
		`SELECT global_group_id, admin_inbox_id FROM directory_record WHERE id = 1`)
	if err := row.Scan(&rec.GlobalGroupID, &rec.AdminInboxID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directoryRepo.Get: %w", err)
	}
	return rec, nil
}

// Put перезаписывает запись целиком. Последняя публикация выигрывает:
// так разрешается гонка двух устройств, одновременно создавших чат.
func (r *DirectoryRepository) Put(ctx context.Context, rec *model.DirectoryRecord) error {
	defer logger.DeferLogDuration("directory.Put", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO directory_record (id, global_group_id, admin_inbox_id, updated_at)
		 VALUES (1, $1, $2, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET global_group_id = EXCLUDED.global_group_id,
		     admin_inbox_id  = EXCLUDED.admin_inbox_id,
		     updated_at      = NOW()`,
		rec.GlobalGroupID, rec.AdminInboxID,
	)
	if err != nil {
		return fmt.Errorf("directoryRepo.Put: %w", err)
	}
	return nil
}
