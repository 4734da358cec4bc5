package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// =============================================================================
// DISTRIBUTION RULES - which subscribers qualify for a reward
// =============================================================================

type DistributionKind string

const (
	DistTopN         DistributionKind = "TOP_N"
	DistMinScore     DistributionKind = "MIN_SCORE"
	DistMinReferrals DistributionKind = "MIN_REFERRALS"
	DistManual       DistributionKind = "MANUAL"
)

// DistributionRule is a closed set: RuleTopN, RuleMinScore, RuleMinReferrals, RuleManual.
type DistributionRule interface {
	Kind() DistributionKind
	Qualifies(s Stats) bool
}

// RuleTopN qualifies subscribers ranked N or better. Rank 0 (unknown) never qualifies.
type RuleTopN struct{ N int }

func (r RuleTopN) Kind() DistributionKind { return DistTopN }
func (r RuleTopN) Qualifies(s Stats) bool { return s.Rank > 0 && s.Rank <= r.N }

// Capped returns the rule with N limited to max (when max > 0).
func (r RuleTopN) Capped(max int) RuleTopN {
	if max > 0 && max < r.N {
		return RuleTopN{N: max}
	}
	return r
}

type RuleMinScore struct{ Threshold int }

func (r RuleMinScore) Kind() DistributionKind { return DistMinScore }
func (r RuleMinScore) Qualifies(s Stats) bool { return s.Score >= r.Threshold }

type RuleMinReferrals struct{ Threshold int }

func (r RuleMinReferrals) Kind() DistributionKind { return DistMinReferrals }
func (r RuleMinReferrals) Qualifies(s Stats) bool { return s.ConfirmedReferrals >= r.Threshold }

// RuleManual never auto-qualifies; only an admin grant unlocks it.
type RuleManual struct{}

func (RuleManual) Kind() DistributionKind { return DistManual }
func (RuleManual) Qualifies(Stats) bool   { return false }

type distributionParams struct {
	TopN         *int `json:"topN,omitempty"`
	MinScore     *int `json:"minScore,omitempty"`
	MinReferrals *int `json:"minReferrals,omitempty"`
}

// ParseDistribution builds a rule from its kind and JSON parameters.
func ParseDistribution(kind DistributionKind, params []byte) (DistributionRule, error) {
	var p distributionParams
	if raw := bytes.TrimSpace(params); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s params: %v", ErrInvalidDistribution, kind, err)
		}
	}

	switch kind {
	case DistTopN:
		if p.TopN == nil || *p.TopN < 1 {
			return nil, fmt.Errorf("%w: TOP_N requires topN >= 1", ErrInvalidDistribution)
		}
		return RuleTopN{N: *p.TopN}, nil
	case DistMinScore:
		if p.MinScore == nil {
			return nil, fmt.Errorf("%w: MIN_SCORE requires minScore", ErrInvalidDistribution)
		}
		return RuleMinScore{Threshold: *p.MinScore}, nil
	case DistMinReferrals:
		if p.MinReferrals == nil || *p.MinReferrals < 0 {
			return nil, fmt.Errorf("%w: MIN_REFERRALS requires minReferrals >= 0", ErrInvalidDistribution)
		}
		return RuleMinReferrals{Threshold: *p.MinReferrals}, nil
	case DistManual:
		return RuleManual{}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDistribution, kind)
}

// EncodeDistribution returns the JSON parameters of a rule.
func EncodeDistribution(r DistributionRule) ([]byte, error) {
	var p distributionParams
	switch v := r.(type) {
	case RuleTopN:
		p.TopN = &v.N
	case RuleMinScore:
		p.MinScore = &v.Threshold
	case RuleMinReferrals:
		p.MinReferrals = &v.Threshold
	case RuleManual:
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidDistribution, r)
	}
	return json.Marshal(p)
}
