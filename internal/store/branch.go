package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/codec"
	"github.com/roach88/botsync/internal/crdt"
)

// Update is one stored update of a branch.
type Update struct {
	Seq       int64
	ID        string
	Data      []byte
	CreatedAt int64
}

// BranchInfo summarizes a stored branch.
type BranchInfo struct {
	Key      string
	Updates  int
	Bytes    int64
	Snapshot bool
}

// AppendUpdates appends updates to the log of a branch. Updates already
// stored are skipped (ON CONFLICT DO NOTHING on the content id).
// timestamps may be shorter than updates; missing entries use the store
// clock.
func (s *Store) AppendUpdates(ctx context.Context, key string, updates [][]byte, timestamps []int64) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append updates: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	seq, err := lastSeq(ctx, tx, key)
	if err != nil {
		return fmt.Errorf("append updates: %w", err)
	}

	now := s.now().UnixMilli()
	for i, u := range updates {
		ts := now
		if i < len(timestamps) && timestamps[i] != 0 {
			ts = timestamps[i]
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO branch_updates (branch_key, seq, update_id, data, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(branch_key, update_id) DO NOTHING
		`, key, seq+1, bots.UpdateID(u), u, ts)
		if err != nil {
			return fmt.Errorf("append updates: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			seq++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append updates: commit: %w", err)
	}
	return nil
}

// lastSeq returns the highest seq used by a branch, counting compacted
// updates.
func lastSeq(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM branch_updates WHERE branch_key = ?), 0),
			COALESCE((SELECT seq FROM branch_snapshots WHERE branch_key = ?), 0)
		)
	`, key, key).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// ReadUpdates returns the uncompacted updates of a branch with seq greater
// than after, in seq order.
func (s *Store) ReadUpdates(ctx context.Context, key string, after int64) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, update_id, data, created_at
		FROM branch_updates
		WHERE branch_key = ? AND seq > ?
		ORDER BY seq ASC
	`, key, after)
	if err != nil {
		return nil, fmt.Errorf("read updates: %w", err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.Seq, &u.ID, &u.Data, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("read updates: scan: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read updates: %w", err)
	}
	return out, nil
}

// snapshot returns the decompressed snapshot of a branch, or nil.
func (s *Store) snapshot(ctx context.Context, key string) (*Update, error) {
	var u Update
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, data, created_at FROM branch_snapshots WHERE branch_key = ?
	`, key).Scan(&u.Seq, &compressed, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	u.Data, err = codec.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	u.ID = bots.UpdateID(u.Data)
	return &u, nil
}

// LoadBranch returns every update needed to rebuild a branch: its
// snapshot, if any, followed by the updates appended after it.
func (s *Store) LoadBranch(ctx context.Context, key string) ([][]byte, []int64, error) {
	snap, err := s.snapshot(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	var updates [][]byte
	var timestamps []int64
	var after int64
	if snap != nil {
		updates = append(updates, snap.Data)
		timestamps = append(timestamps, snap.CreatedAt)
		after = snap.Seq
	}
	rest, err := s.ReadUpdates(ctx, key, after)
	if err != nil {
		return nil, nil, err
	}
	for _, u := range rest {
		updates = append(updates, u.Data)
		timestamps = append(timestamps, u.CreatedAt)
	}
	return updates, timestamps, nil
}

// SaveUpdates appends updates stamped with the store clock. CRDT
// partitions cache their documents with it.
func (s *Store) SaveUpdates(ctx context.Context, key string, updates ...[]byte) error {
	return s.AppendUpdates(ctx, key, updates, nil)
}

// CompactResult reports what Compact did.
type CompactResult struct {
	Key     string
	Before  int
	Bytes   int
	Through int64
}

// Compact merges the snapshot and log of a branch into a new snapshot and
// deletes the merged updates.
func (s *Store) Compact(ctx context.Context, key string) (CompactResult, error) {
	res := CompactResult{Key: key}
	snap, err := s.snapshot(ctx, key)
	if err != nil {
		return res, err
	}
	var after int64
	var parts [][]byte
	if snap != nil {
		after = snap.Seq
		parts = append(parts, snap.Data)
		res.Through = snap.Seq
	}
	rest, err := s.ReadUpdates(ctx, key, after)
	if err != nil {
		return res, err
	}
	res.Before = len(parts) + len(rest)
	if len(rest) == 0 {
		return res, nil
	}
	for _, u := range rest {
		parts = append(parts, u.Data)
	}
	through := rest[len(rest)-1].Seq

	merged, err := crdt.MergeUpdates(parts...)
	if err != nil {
		return res, fmt.Errorf("compact %s: %w", key, err)
	}
	compressed := codec.Compress(merged)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("compact %s: begin tx: %w", key, err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO branch_snapshots (branch_key, seq, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(branch_key) DO UPDATE SET seq = excluded.seq, data = excluded.data, created_at = excluded.created_at
	`, key, through, compressed, s.now().UnixMilli()); err != nil {
		return res, fmt.Errorf("compact %s: write snapshot: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM branch_updates WHERE branch_key = ? AND seq <= ?
	`, key, through); err != nil {
		return res, fmt.Errorf("compact %s: delete updates: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("compact %s: commit: %w", key, err)
	}

	res.Bytes = len(compressed)
	res.Through = through
	s.logger.Info("compacted branch", "branch", key, "updates", res.Before, "snapshot_bytes", res.Bytes)
	return res, nil
}

// DeleteBranch removes every update and the snapshot of a branch.
func (s *Store) DeleteBranch(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete branch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, q := range []string{
		"DELETE FROM branch_updates WHERE branch_key = ?",
		"DELETE FROM branch_snapshots WHERE branch_key = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, key); err != nil {
			return fmt.Errorf("delete branch: %w", err)
		}
	}
	return tx.Commit()
}

// Branches lists stored branches ordered by key.
func (s *Store) Branches(ctx context.Context) ([]BranchInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.branch_key,
			(SELECT COUNT(*) FROM branch_updates u WHERE u.branch_key = k.branch_key),
			COALESCE((SELECT SUM(LENGTH(data)) FROM branch_updates u WHERE u.branch_key = k.branch_key), 0)
				+ COALESCE((SELECT LENGTH(data) FROM branch_snapshots s WHERE s.branch_key = k.branch_key), 0),
			EXISTS (SELECT 1 FROM branch_snapshots s WHERE s.branch_key = k.branch_key)
		FROM (
			SELECT branch_key FROM branch_updates
			UNION
			SELECT branch_key FROM branch_snapshots
		) k
		ORDER BY k.branch_key ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var out []BranchInfo
	for rows.Next() {
		var b BranchInfo
		if err := rows.Scan(&b.Key, &b.Updates, &b.Bytes, &b.Snapshot); err != nil {
			return nil, fmt.Errorf("list branches: scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
