package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/waitlist-engine/core"
)

// =============================================================================
// CAMPAIGNS
// =============================================================================

const campaignColumns = `id, waitlist_id, name, status, settings_json, ends_at, created_at, updated_at`

func scanCampaign(row scanner) (*core.Campaign, error) {
	var (
		c                    core.Campaign
		settings             string
		endsAt               sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.WaitlistID, &c.Name, &c.Status, &settings, &endsAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Settings = core.DefaultSettings()
	if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
		return nil, fmt.Errorf("campaign %s settings: %w", c.ID, err)
	}
	c.EndsAt = timePtr(endsAt)
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	return &c, nil
}

func (qs *queries) CreateCampaign(ctx context.Context, c core.Campaign) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	err = qs.guarded(ctx, func() error {
		_, err := qs.exec(ctx, `
			INSERT INTO campaigns (id, waitlist_id, name, status, settings_json, ends_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.WaitlistID, c.Name, c.Status, string(settings), nullNanos(c.EndsAt),
			nanos(c.CreatedAt), nanos(c.UpdatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return core.ErrDuplicateCampaign
	}
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (qs *queries) UpdateCampaign(ctx context.Context, c core.Campaign) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	res, err := qs.exec(ctx, `
		UPDATE campaigns SET name = ?, status = ?, settings_json = ?, ends_at = ?, updated_at = ?
		WHERE id = ?
	`, c.Name, c.Status, string(settings), nullNanos(c.EndsAt), nanos(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	return expectRow(res, core.ErrCampaignNotFound)
}

func (qs *queries) GetCampaign(ctx context.Context, id core.CampaignID) (*core.Campaign, error) {
	c, err := scanCampaign(qs.queryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrCampaignNotFound
	}
	return c, err
}

func (qs *queries) FindCampaignByWaitlist(ctx context.Context, waitlistID core.WaitlistID) (*core.Campaign, error) {
	c, err := scanCampaign(qs.queryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE waitlist_id = ?`, waitlistID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (qs *queries) ListCampaigns(ctx context.Context, statuses ...core.CampaignStatus) ([]core.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := qs.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []core.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// =============================================================================
// POINT RULES
// =============================================================================

func (qs *queries) SavePointRule(ctx context.Context, r core.PointRule) error {
	cond, err := core.EncodeCondition(r.Condition)
	if err != nil {
		return fmt.Errorf("encode condition of rule %s: %w", r.ID, err)
	}
	res, err := qs.exec(ctx, `
		INSERT INTO point_rules (id, campaign_id, name, event, points, priority, condition_json, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			event = excluded.event,
			points = excluded.points,
			priority = excluded.priority,
			condition_json = excluded.condition_json,
			active = excluded.active
		WHERE point_rules.campaign_id = excluded.campaign_id
	`, r.ID, r.CampaignID, r.Name, r.Event, r.Points, r.Priority, nullString(string(cond)), r.Active)
	if err != nil {
		return fmt.Errorf("save point rule: %w", err)
	}
	// 0 rows: the id exists under another campaign and the update was skipped
	if err := expectRow(res, core.ErrConfigIDInUse); err != nil {
		return fmt.Errorf("save point rule %s: %w", r.ID, err)
	}
	return nil
}

func (qs *queries) ListActiveRules(ctx context.Context, campaignID core.CampaignID, event core.EventType) ([]core.PointRule, error) {
	rows, err := qs.query(ctx, `
		SELECT id, campaign_id, name, event, points, priority, condition_json, active
		FROM point_rules
		WHERE campaign_id = ? AND event = ? AND active = ?
		ORDER BY priority ASC, id ASC
	`, campaignID, event, true)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []core.PointRule
	for rows.Next() {
		var (
			r    core.PointRule
			cond sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Name, &r.Event, &r.Points, &r.Priority, &cond, &r.Active); err != nil {
			return nil, err
		}
		r.Condition, err = core.ParseCondition([]byte(cond.String))
		if err != nil {
			var ce *core.ConditionError
			if errors.As(err, &ce) {
				ce.RuleID = r.ID
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// REWARDS
// =============================================================================

const rewardColumns = `id, campaign_id, name, rule_type, rule_params_json, max_recipients, created_at`

func scanReward(row scanner) (*core.Reward, error) {
	var (
		r         core.Reward
		kind      string
		params    sql.NullString
		maxRecip  sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&r.ID, &r.CampaignID, &r.Name, &kind, &params, &maxRecip, &createdAt); err != nil {
		return nil, err
	}
	rule, err := core.ParseDistribution(core.DistributionKind(kind), []byte(params.String))
	if err != nil {
		return nil, fmt.Errorf("reward %s: %w", r.ID, err)
	}
	r.Rule = rule
	r.MaxRecipients = intPtr(maxRecip)
	r.CreatedAt = fromNanos(createdAt)
	return &r, nil
}

func (qs *queries) SaveReward(ctx context.Context, r core.Reward) error {
	if r.Rule == nil {
		return fmt.Errorf("%w: reward %s has no rule", core.ErrInvalidDistribution, r.ID)
	}
	params, err := core.EncodeDistribution(r.Rule)
	if err != nil {
		return err
	}
	res, err := qs.exec(ctx, `
		INSERT INTO rewards (id, campaign_id, name, rule_type, rule_params_json, max_recipients, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			rule_type = excluded.rule_type,
			rule_params_json = excluded.rule_params_json,
			max_recipients = excluded.max_recipients
		WHERE rewards.campaign_id = excluded.campaign_id
	`, r.ID, r.CampaignID, r.Name, string(r.Rule.Kind()), string(params), nullInt(r.MaxRecipients), nanos(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("save reward: %w", err)
	}
	if err := expectRow(res, core.ErrConfigIDInUse); err != nil {
		return fmt.Errorf("save reward %s: %w", r.ID, err)
	}
	return nil
}

func (qs *queries) GetReward(ctx context.Context, id core.RewardID) (*core.Reward, error) {
	r, err := scanReward(qs.queryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrRewardNotFound
	}
	return r, err
}

func (qs *queries) ListRewards(ctx context.Context, campaignID core.CampaignID) ([]core.Reward, error) {
	rows, err := qs.query(ctx,
		`SELECT `+rewardColumns+` FROM rewards WHERE campaign_id = ? ORDER BY created_at ASC, id ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()

	var out []core.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
