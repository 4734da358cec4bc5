package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/waitlist-engine/core"
)

// =============================================================================
// SUBSCRIBERS
// =============================================================================

const subscriberColumns = `id, waitlist_id, email, referral_code, score, cached_rank,
	referred_by, email_verified, created_at`

func scanSubscriber(row scanner) (*core.Subscriber, error) {
	var (
		sub        core.Subscriber
		rank       sql.NullInt64
		referredBy sql.NullString
		createdAt  int64
	)
	err := row.Scan(&sub.ID, &sub.WaitlistID, &sub.Email, &sub.ReferralCode, &sub.Score,
		&rank, &referredBy, &sub.EmailVerified, &createdAt)
	if err != nil {
		return nil, err
	}
	sub.Rank = intPtr(rank)
	if referredBy.Valid {
		id := core.SubscriberID(referredBy.String)
		sub.ReferredBy = &id
	}
	sub.CreatedAt = fromNanos(createdAt)
	return &sub, nil
}

func (qs *queries) CreateSubscriber(ctx context.Context, s core.Subscriber) error {
	var referredBy sql.NullString
	if s.ReferredBy != nil {
		referredBy = nullString(string(*s.ReferredBy))
	}

	err := qs.guarded(ctx, func() error {
		_, err := qs.exec(ctx, `
			INSERT INTO subscribers (id, waitlist_id, email, email_key, referral_code, score,
				cached_rank, referred_by, email_verified, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.ID, s.WaitlistID, s.Email, emailKey(s.Email), s.ReferralCode, s.Score,
			nullInt(s.Rank), referredBy, s.EmailVerified, nanos(s.CreatedAt))
		return err
	})
	switch {
	case err == nil:
		return nil
	case violates(err, "referral_code"):
		return core.ErrDuplicateReferralCode
	case isUniqueViolation(err):
		return core.ErrDuplicateSubscriber
	}
	return fmt.Errorf("insert subscriber: %w", err)
}

func (qs *queries) GetSubscriber(ctx context.Context, id core.SubscriberID) (*core.Subscriber, error) {
	sub, err := scanSubscriber(qs.queryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSubscriberNotFound
	}
	return sub, err
}

func (qs *queries) FindSubscriberByEmail(ctx context.Context, waitlistID core.WaitlistID, email string) (*core.Subscriber, error) {
	sub, err := scanSubscriber(qs.queryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE waitlist_id = ? AND email_key = ?`,
		waitlistID, emailKey(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func (qs *queries) FindSubscriberByCode(ctx context.Context, code string) (*core.Subscriber, error) {
	sub, err := scanSubscriber(qs.queryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE referral_code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func (qs *queries) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := qs.queryRow(ctx, `SELECT COUNT(*) FROM subscribers WHERE referral_code = ?`, code).Scan(&n)
	return n > 0, err
}

func (qs *queries) IncrementScore(ctx context.Context, id core.SubscriberID, delta int) error {
	res, err := qs.exec(ctx, `UPDATE subscribers SET score = score + ? WHERE id = ?`, delta, id)
	if err != nil {
		return fmt.Errorf("increment score: %w", err)
	}
	return expectRow(res, core.ErrSubscriberNotFound)
}

func (qs *queries) SetScore(ctx context.Context, id core.SubscriberID, score int) error {
	res, err := qs.exec(ctx, `UPDATE subscribers SET score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("set score: %w", err)
	}
	return expectRow(res, core.ErrSubscriberNotFound)
}

func (qs *queries) SetReferredBy(ctx context.Context, id core.SubscriberID, referrerID core.SubscriberID) error {
	res, err := qs.exec(ctx, `UPDATE subscribers SET referred_by = ? WHERE id = ?`, referrerID, id)
	if err != nil {
		return fmt.Errorf("set referred_by: %w", err)
	}
	return expectRow(res, core.ErrSubscriberNotFound)
}

func (qs *queries) SetEmailVerified(ctx context.Context, id core.SubscriberID) error {
	res, err := qs.exec(ctx, `UPDATE subscribers SET email_verified = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("set email_verified: %w", err)
	}
	return expectRow(res, core.ErrSubscriberNotFound)
}

func (qs *queries) SetRank(ctx context.Context, id core.SubscriberID, rank int) error {
	return qs.guarded(ctx, func() error {
		res, err := qs.exec(ctx, `UPDATE subscribers SET cached_rank = ? WHERE id = ?`, rank, id)
		if err != nil {
			return fmt.Errorf("set cached_rank: %w", err)
		}
		return expectRow(res, core.ErrSubscriberNotFound)
	})
}

func (qs *queries) CountAhead(ctx context.Context, s core.Subscriber) (int, error) {
	created := nanos(s.CreatedAt)
	var n int
	err := qs.queryRow(ctx, `
		SELECT COUNT(*) FROM subscribers
		WHERE waitlist_id = ? AND id <> ? AND (
			score > ?
			OR (score = ? AND created_at < ?)
			OR (score = ? AND created_at = ? AND id < ?)
		)
	`, s.WaitlistID, s.ID, s.Score, s.Score, created, s.Score, created, s.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ahead: %w", err)
	}
	return n, nil
}

func (qs *queries) CountSubscribers(ctx context.Context, waitlistID core.WaitlistID) (int, error) {
	var n int
	err := qs.queryRow(ctx, `SELECT COUNT(*) FROM subscribers WHERE waitlist_id = ?`, waitlistID).Scan(&n)
	return n, err
}

func (qs *queries) ListRanked(ctx context.Context, waitlistID core.WaitlistID, limit, offset int) ([]core.LeaderboardRow, error) {
	limit, offset = pageArgs(limit, offset)
	rows, err := qs.query(ctx, `
		SELECT s.id, s.email, s.score, s.created_at,
			(SELECT COUNT(*) FROM referrals r
			 WHERE r.referrer_id = s.id AND r.status IN (?, ?, ?)) AS referral_count
		FROM subscribers s
		WHERE s.waitlist_id = ?
		ORDER BY s.score DESC, s.created_at ASC, s.id ASC
		LIMIT ? OFFSET ?
	`, core.ReferralCompleted, core.ReferralConfirmed, core.ReferralVerified, waitlistID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ranked: %w", err)
	}
	defer rows.Close()

	var out []core.LeaderboardRow
	for rows.Next() {
		var (
			row    core.LeaderboardRow
			joined int64
		)
		if err := rows.Scan(&row.SubscriberID, &row.Email, &row.Score, &joined, &row.ReferralCount); err != nil {
			return nil, err
		}
		row.JoinedAt = fromNanos(joined)
		row.Rank = offset + len(out) + 1
		out = append(out, row)
	}
	return out, rows.Err()
}
