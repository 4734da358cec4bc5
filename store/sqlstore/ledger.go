package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/waitlist-engine/core"
)

// =============================================================================
// REFERRALS
// =============================================================================

const referralColumns = `id, waitlist_id, campaign_id, referrer_id, referred_email, referred_id,
	status, created_at, confirmed_at`

func scanReferral(row scanner) (*core.Referral, error) {
	var (
		r           core.Referral
		referredID  sql.NullString
		createdAt   int64
		confirmedAt sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.WaitlistID, &r.CampaignID, &r.ReferrerID, &r.ReferredEmail,
		&referredID, &r.Status, &createdAt, &confirmedAt)
	if err != nil {
		return nil, err
	}
	if referredID.Valid {
		id := core.SubscriberID(referredID.String)
		r.ReferredID = &id
	}
	r.CreatedAt = fromNanos(createdAt)
	r.ConfirmedAt = timePtr(confirmedAt)
	return &r, nil
}

func referredIDArg(id *core.SubscriberID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func (qs *queries) CreateReferral(ctx context.Context, r core.Referral) error {
	err := qs.guarded(ctx, func() error {
		_, err := qs.exec(ctx, `
			INSERT INTO referrals (id, waitlist_id, campaign_id, referrer_id, referred_email,
				referred_email_key, referred_id, status, created_at, confirmed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.WaitlistID, r.CampaignID, r.ReferrerID, r.ReferredEmail, emailKey(r.ReferredEmail),
			referredIDArg(r.ReferredID), r.Status, nanos(r.CreatedAt), nullNanos(r.ConfirmedAt))
		return err
	})
	if isUniqueViolation(err) {
		return core.ErrDuplicateReferral
	}
	if err != nil {
		return fmt.Errorf("insert referral: %w", err)
	}
	return nil
}

func (qs *queries) UpdateReferral(ctx context.Context, r core.Referral) error {
	res, err := qs.exec(ctx, `
		UPDATE referrals SET referred_id = ?, status = ?, confirmed_at = ? WHERE id = ?
	`, referredIDArg(r.ReferredID), r.Status, nullNanos(r.ConfirmedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update referral: %w", err)
	}
	return expectRow(res, core.ErrReferralNotFound)
}

func (qs *queries) FindReferral(ctx context.Context, waitlistID core.WaitlistID, referrerID core.SubscriberID, referredEmail string) (*core.Referral, error) {
	r, err := scanReferral(qs.queryRow(ctx, `
		SELECT `+referralColumns+` FROM referrals
		WHERE waitlist_id = ? AND referrer_id = ? AND referred_email_key = ?
	`, waitlistID, referrerID, emailKey(referredEmail)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (qs *queries) FindPendingReferralFor(ctx context.Context, referredID core.SubscriberID) (*core.Referral, error) {
	r, err := scanReferral(qs.queryRow(ctx, `
		SELECT `+referralColumns+` FROM referrals
		WHERE referred_id = ? AND status = ?
		ORDER BY created_at ASC
		LIMIT 1
	`, referredID, core.ReferralPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (qs *queries) ListPendingReferrals(ctx context.Context, waitlistID core.WaitlistID) ([]core.Referral, error) {
	rows, err := qs.query(ctx, `
		SELECT `+referralColumns+` FROM referrals
		WHERE waitlist_id = ? AND status = ? AND referred_id IS NOT NULL
		ORDER BY created_at ASC, id ASC
	`, waitlistID, core.ReferralPending)
	if err != nil {
		return nil, fmt.Errorf("list pending referrals: %w", err)
	}
	defer rows.Close()

	var out []core.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (qs *queries) CountConfirmedReferrals(ctx context.Context, referrerID core.SubscriberID) (int, error) {
	var n int
	err := qs.queryRow(ctx, `
		SELECT COUNT(*) FROM referrals WHERE referrer_id = ? AND status IN (?, ?, ?)
	`, referrerID, core.ReferralCompleted, core.ReferralConfirmed, core.ReferralVerified).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count referrals: %w", err)
	}
	return n, nil
}

// =============================================================================
// LEDGER
// =============================================================================

// AppendLedger assigns the next seq for the subscriber+campaign. Two writers
// that read the same MAX(seq) collide on idx_point_ledger_seq; the loser gets
// ErrConcurrentModification.
func (qs *queries) AppendLedger(ctx context.Context, e core.LedgerEntry) error {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal ledger metadata: %w", err)
		}
		meta = nullString(string(raw))
	}

	err := qs.guarded(ctx, func() error {
		var seq int
		if err := qs.queryRow(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM point_ledger WHERE subscriber_id = ? AND campaign_id = ?
		`, e.SubscriberID, e.CampaignID).Scan(&seq); err != nil {
			return err
		}
		_, err := qs.exec(ctx, `
			INSERT INTO point_ledger (id, subscriber_id, campaign_id, seq, event, points,
				reference_id, rule_id, idempotency_key, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.SubscriberID, e.CampaignID, seq, e.Event, e.Points, nullString(e.ReferenceID),
			nullString(string(e.RuleID)), nullString(e.IdempotencyKey), meta, nanos(e.CreatedAt))
		return err
	})
	switch {
	case err == nil:
		return nil
	case violates(err, "idempotency"):
		return core.ErrDuplicateLedgerKey
	case violates(err, "seq"):
		return fmt.Errorf("%w: ledger seq for %s", core.ErrConcurrentModification, e.SubscriberID)
	}
	return fmt.Errorf("append ledger: %w", err)
}

func (qs *queries) LoadLedger(ctx context.Context, subscriberID core.SubscriberID, campaignID core.CampaignID) ([]core.LedgerEntry, error) {
	rows, err := qs.query(ctx, `
		SELECT id, subscriber_id, campaign_id, seq, event, points, reference_id, rule_id,
			idempotency_key, metadata_json, created_at
		FROM point_ledger
		WHERE subscriber_id = ? AND campaign_id = ?
		ORDER BY seq ASC
	`, subscriberID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		var (
			e                  core.LedgerEntry
			refID, ruleID, key sql.NullString
			meta               sql.NullString
			createdAt          int64
		)
		if err := rows.Scan(&e.ID, &e.SubscriberID, &e.CampaignID, &e.Seq, &e.Event, &e.Points,
			&refID, &ruleID, &key, &meta, &createdAt); err != nil {
			return nil, err
		}
		e.ReferenceID = refID.String
		e.RuleID = core.RuleID(ruleID.String)
		e.IdempotencyKey = key.String
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("ledger entry %s metadata: %w", e.ID, err)
			}
		}
		e.CreatedAt = fromNanos(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (qs *queries) SumLedger(ctx context.Context, subscriberID core.SubscriberID, campaignID core.CampaignID) (int, error) {
	var total int
	err := qs.queryRow(ctx, `
		SELECT COALESCE(SUM(points), 0) FROM point_ledger WHERE subscriber_id = ? AND campaign_id = ?
	`, subscriberID, campaignID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return total, nil
}
