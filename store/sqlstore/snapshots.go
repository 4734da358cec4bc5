package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/waitlist-engine/core"
)

// =============================================================================
// REWARD UNLOCKS
// =============================================================================

const unlockColumns = `id, subscriber_id, reward_id, status, unlocked_at, claimed_at`

func scanUnlock(row scanner) (*core.SubscriberReward, error) {
	var (
		u          core.SubscriberReward
		unlockedAt int64
		claimedAt  sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.SubscriberID, &u.RewardID, &u.Status, &unlockedAt, &claimedAt); err != nil {
		return nil, err
	}
	u.UnlockedAt = fromNanos(unlockedAt)
	u.ClaimedAt = timePtr(claimedAt)
	return &u, nil
}

func (qs *queries) CreateUnlock(ctx context.Context, u core.SubscriberReward) error {
	err := qs.guarded(ctx, func() error {
		_, err := qs.exec(ctx, `
			INSERT INTO subscriber_rewards (id, subscriber_id, reward_id, status, unlocked_at, claimed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, u.ID, u.SubscriberID, u.RewardID, u.Status, nanos(u.UnlockedAt), nullNanos(u.ClaimedAt))
		return err
	})
	if isUniqueViolation(err) {
		return core.ErrDuplicateUnlock
	}
	if err != nil {
		return fmt.Errorf("insert unlock: %w", err)
	}
	return nil
}

func (qs *queries) HasUnlock(ctx context.Context, subscriberID core.SubscriberID, rewardID core.RewardID) (bool, error) {
	var n int
	err := qs.queryRow(ctx, `
		SELECT COUNT(*) FROM subscriber_rewards WHERE subscriber_id = ? AND reward_id = ?
	`, subscriberID, rewardID).Scan(&n)
	return n > 0, err
}

func (qs *queries) GetUnlock(ctx context.Context, subscriberID core.SubscriberID, rewardID core.RewardID) (*core.SubscriberReward, error) {
	u, err := scanUnlock(qs.queryRow(ctx, `
		SELECT `+unlockColumns+` FROM subscriber_rewards WHERE subscriber_id = ? AND reward_id = ?
	`, subscriberID, rewardID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrUnlockNotFound
	}
	return u, err
}

func (qs *queries) UpdateUnlock(ctx context.Context, u core.SubscriberReward) error {
	res, err := qs.exec(ctx, `
		UPDATE subscriber_rewards SET status = ?, claimed_at = ? WHERE id = ?
	`, u.Status, nullNanos(u.ClaimedAt), u.ID)
	if err != nil {
		return fmt.Errorf("update unlock: %w", err)
	}
	return expectRow(res, core.ErrUnlockNotFound)
}

func (qs *queries) CountRecipients(ctx context.Context, rewardID core.RewardID) (int, error) {
	var n int
	err := qs.queryRow(ctx, `
		SELECT COUNT(*) FROM subscriber_rewards WHERE reward_id = ? AND status IN (?, ?)
	`, rewardID, core.UnlockUnlocked, core.UnlockClaimed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return n, nil
}

func (qs *queries) ListUnlocks(ctx context.Context, subscriberID core.SubscriberID) ([]core.SubscriberReward, error) {
	rows, err := qs.query(ctx, `
		SELECT `+unlockColumns+` FROM subscriber_rewards
		WHERE subscriber_id = ?
		ORDER BY unlocked_at ASC, id ASC
	`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("list unlocks: %w", err)
	}
	defer rows.Close()

	var out []core.SubscriberReward
	for rows.Next() {
		u, err := scanUnlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (qs *queries) AppendSnapshot(ctx context.Context, snap core.Snapshot, rows []core.SnapshotRow) error {
	_, err := qs.exec(ctx, `
		INSERT INTO ranking_snapshots (id, waitlist_id, is_final, size, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, snap.ID, snap.WaitlistID, snap.IsFinal, snap.Size, nanos(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	for _, r := range rows {
		_, err := qs.exec(ctx, `
			INSERT INTO ranking_snapshot_rows (snapshot_id, waitlist_id, subscriber_id, email, rank,
				score, referral_count, joined_at, is_final, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, snap.ID, r.WaitlistID, r.SubscriberID, r.Email, r.Rank, r.Score, r.ReferralCount,
			nanos(r.JoinedAt), r.IsFinal, nanos(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert snapshot row %s: %w", r.SubscriberID, err)
		}
	}
	return nil
}

const snapshotColumns = `id, waitlist_id, is_final, size, created_at`

func scanSnapshot(row scanner) (*core.Snapshot, error) {
	var (
		snap      core.Snapshot
		createdAt int64
	)
	if err := row.Scan(&snap.ID, &snap.WaitlistID, &snap.IsFinal, &snap.Size, &createdAt); err != nil {
		return nil, err
	}
	snap.CreatedAt = fromNanos(createdAt)
	return &snap, nil
}

func (qs *queries) GetSnapshot(ctx context.Context, id core.SnapshotID) (*core.Snapshot, error) {
	snap, err := scanSnapshot(qs.queryRow(ctx, `SELECT `+snapshotColumns+` FROM ranking_snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSnapshotNotFound
	}
	return snap, err
}

func (qs *queries) ListSnapshots(ctx context.Context, waitlistID core.WaitlistID) ([]core.Snapshot, error) {
	rows, err := qs.query(ctx, `
		SELECT `+snapshotColumns+` FROM ranking_snapshots
		WHERE waitlist_id = ?
		ORDER BY created_at ASC
	`, waitlistID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []core.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func (qs *queries) ListSnapshotRows(ctx context.Context, id core.SnapshotID, limit, offset int) ([]core.SnapshotRow, error) {
	if _, err := qs.GetSnapshot(ctx, id); err != nil {
		return nil, err
	}

	limit, offset = pageArgs(limit, offset)
	rows, err := qs.query(ctx, `
		SELECT snapshot_id, waitlist_id, subscriber_id, email, rank, score, referral_count,
			joined_at, is_final, created_at
		FROM ranking_snapshot_rows
		WHERE snapshot_id = ?
		ORDER BY rank ASC
		LIMIT ? OFFSET ?
	`, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list snapshot rows: %w", err)
	}
	defer rows.Close()

	var out []core.SnapshotRow
	for rows.Next() {
		var (
			r                 core.SnapshotRow
			joined, createdAt int64
		)
		if err := rows.Scan(&r.SnapshotID, &r.WaitlistID, &r.SubscriberID, &r.Email, &r.Rank, &r.Score,
			&r.ReferralCount, &joined, &r.IsFinal, &createdAt); err != nil {
			return nil, err
		}
		r.JoinedAt = fromNanos(joined)
		r.CreatedAt = fromNanos(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
