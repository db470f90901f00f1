// postgres.go — Postgres 任务存储 (pgxpool + jsonb)。
//
// Patch 合并语义在 Go 侧完成: 行级 FOR UPDATE 读出 → Apply → 整行写回,
// 保证与内存实现逐字节一致的合并结果。
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"

	"github.com/kb-console/go-task-engine/internal/task"
)

// Postgres 持久化任务存储。
type Postgres struct {
	pool *pgxpool.Pool

	// OnUpdate 同 Memory.OnUpdate。
	OnUpdate func(t *task.Task)
}

// NewPostgres 创建 Postgres 存储。
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const taskCols = `id, group_id, type, status, title, input, output, error, progress,
	retry_count, retry_policy, created_at, updated_at`

func (s *Postgres) notify(t *task.Task) {
	if s.OnUpdate != nil && t != nil {
		s.OnUpdate(t)
	}
}

// ========================================
// 行 ↔ Task 编解码
// ========================================

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t                                     task.Task
		inputB, outputB, errB, progB, policyB []byte
	)
	// group_id / title 是 NOT NULL DEFAULT '' 列, 空值统一用空串表示
	// (ByGroup 的等值过滤与部分索引都建立在这个约定上)
	err := row.Scan(&t.ID, &t.GroupID, &t.Type, &t.Status, &t.Title,
		&inputB, &outputB, &errB, &progB, &t.RetryCount, &policyB,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(inputB, &t.Input)
	_ = json.Unmarshal(outputB, &t.Output)
	_ = json.Unmarshal(progB, &t.Progress)
	if len(errB) > 0 && string(errB) != "null" {
		t.Error = &task.ErrInfo{}
		_ = json.Unmarshal(errB, t.Error)
	}
	if len(policyB) > 0 && string(policyB) != "null" {
		t.RetryPolicy = &task.RetryPolicy{}
		_ = json.Unmarshal(policyB, t.RetryPolicy)
	}
	return &t, nil
}

// execer 由 pgxpool.Pool 与 pgx.Tx 共同满足。
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// insertArgs 按 INSERT 占位符顺序展开绑定参数。
// group_id / title 直接绑空串, 不转 NULL (列是 NOT NULL DEFAULT '')。
func insertArgs(t *task.Task) []any {
	return []any{
		t.ID, t.GroupID, string(t.Type), string(t.Status), t.Title,
		mustJSON(t.Input), mustJSON(t.Output), mustJSON(t.Error), mustJSON(t.Progress),
		t.RetryCount, mustJSON(t.RetryPolicy), t.CreatedAt, t.UpdatedAt,
	}
}

// updateArgs 按 UPDATE 占位符顺序展开绑定参数。
func updateArgs(t *task.Task) []any {
	return []any{
		string(t.Status), t.Title, mustJSON(t.Output), mustJSON(t.Error),
		mustJSON(t.Progress), t.RetryCount, t.UpdatedAt, t.ID,
	}
}

func (s *Postgres) insert(ctx context.Context, q execer, t *task.Task) error {
	_, err := q.Exec(ctx,
		`INSERT INTO tasks (id, group_id, type, status, title, input, output, error, progress,
		   retry_count, retry_policy, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11::jsonb, $12, $13)`,
		insertArgs(t)...)
	return err
}

// ========================================
// Store 实现
// ========================================

// Add 写入新任务。
func (s *Postgres) Add(ctx context.Context, t *task.Task) error {
	if err := s.insert(ctx, s.pool, t); err != nil {
		return apperr.Wrap(err, "store.Add", "写入任务失败")
	}
	s.notify(t.Clone())
	return nil
}

// AddBatch 在单事务内批量写入。
func (s *Postgres) AddBatch(ctx context.Context, tasks []*task.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(err, "store.AddBatch", "开启事务失败")
	}
	defer tx.Rollback(ctx)

	for _, t := range tasks {
		if err := s.insert(ctx, tx, t); err != nil {
			return apperr.Wrap(err, "store.AddBatch", "写入任务失败: "+t.ID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(err, "store.AddBatch", "提交事务失败")
	}
	for _, t := range tasks {
		s.notify(t.Clone())
	}
	return nil
}

// Get 按 ID 读取。
func (s *Postgres) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		"SELECT "+taskCols+" FROM tasks WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return nil, apperr.Wrap(apperr.ErrNotFound, "store.Get", "任务不存在: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "store.Get", "读取任务失败")
	}
	return t, nil
}

// Update 合并 patch 并返回更新后的任务。
func (s *Postgres) Update(ctx context.Context, id string, p task.Patch) (*task.Task, error) {
	return s.updateWhere(ctx, "id = $1", []any{id}, p, "store.Update")
}

// updateWhere 读-改-写一条任务 (FOR UPDATE 行锁)。
func (s *Postgres) updateWhere(ctx context.Context, where string, args []any, p task.Patch, op string) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, op, "开启事务失败")
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx,
		"SELECT "+taskCols+" FROM tasks WHERE "+where+" FOR UPDATE", args...))
	if err == pgx.ErrNoRows {
		return nil, apperr.Wrap(apperr.ErrNotFound, op, "任务不存在")
	}
	if err != nil {
		return nil, apperr.Wrap(err, op, "读取任务失败")
	}

	applyPatch(t, p)

	_, err = tx.Exec(ctx,
		`UPDATE tasks SET status=$1, title=$2, output=$3::jsonb, error=$4::jsonb,
		   progress=$5::jsonb, retry_count=$6, updated_at=$7
		 WHERE id=$8`,
		updateArgs(t)...)
	if err != nil {
		return nil, apperr.Wrap(err, op, "写回任务失败")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(err, op, "提交事务失败")
	}
	s.notify(t.Clone())
	return t, nil
}

// Remove 删除任务。
func (s *Postgres) Remove(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id); err != nil {
		return apperr.Wrap(err, "store.Remove", "删除任务失败")
	}
	return nil
}

// List 返回全部任务。
func (s *Postgres) List(ctx context.Context) ([]*task.Task, error) {
	return s.queryMany(ctx, "SELECT "+taskCols+" FROM tasks ORDER BY created_at, id")
}

// ByGroup 返回组内任务。
func (s *Postgres) ByGroup(ctx context.Context, groupID string) ([]*task.Task, error) {
	return s.queryMany(ctx,
		"SELECT "+taskCols+" FROM tasks WHERE group_id = $1 ORDER BY created_at, id", groupID)
}

func (s *Postgres) queryMany(ctx context.Context, sql string, args ...any) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Wrap(err, "store.List", "查询任务失败")
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "store.List", "扫描任务行失败")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const docWhere = `input->>'kbId' = $1 AND (input->>'docId' = $2 OR output->>'docId' = $2)`

// ByDoc 按 kbId + docId 定位文档任务。
func (s *Postgres) ByDoc(ctx context.Context, kbID, docID string) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		"SELECT "+taskCols+" FROM tasks WHERE "+docWhere+" LIMIT 1", kbID, docID))
	if err == pgx.ErrNoRows {
		return nil, apperr.Wrap(apperr.ErrNotFound, "store.ByDoc", "文档任务不存在: "+kbID+"/"+docID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "store.ByDoc", "查询文档任务失败")
	}
	return t, nil
}

// UpdateByDoc 按 kbId + docId 合并 patch。
func (s *Postgres) UpdateByDoc(ctx context.Context, kbID, docID string, p task.Patch) (*task.Task, error) {
	return s.updateWhere(ctx, docWhere, []any{kbID, docID}, p, "store.UpdateByDoc")
}

// Cleanup 清理过期与超量的终态任务。
func (s *Postgres) Cleanup(ctx context.Context, ttl time.Duration, maxKeep int) (int, error) {
	finalStates := []string{
		string(task.StatusSucceeded), string(task.StatusFailed), string(task.StatusCanceled),
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE status = ANY($1::text[]) AND updated_at < $2`,
		finalStates, time.Now().Add(-ttl))
	if err != nil {
		return 0, apperr.Wrap(err, "store.Cleanup", "清理过期任务失败")
	}
	removed := int(tag.RowsAffected())

	if maxKeep > 0 {
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM tasks WHERE id IN (
			   SELECT id FROM tasks WHERE status = ANY($1::text[])
			   ORDER BY created_at DESC, id DESC OFFSET $2)`,
			finalStates, maxKeep)
		if err != nil {
			return removed, apperr.Wrap(err, "store.Cleanup", "清理超量任务失败")
		}
		removed += int(tag.RowsAffected())
	}
	return removed, nil
}
