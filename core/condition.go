package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// =============================================================================
// CONDITIONS - closed set of point rule predicates
// =============================================================================

// Condition is a point rule predicate. The set of implementations is closed:
// CondReferralCount, CondFirstReferralOnly, CondMinScore, CondRequiresVerified
// and CondAll. Conditions are parsed once by ParseCondition when a rule is
// loaded and evaluated against Stats with Holds.
type Condition interface {
	Holds(s Stats) bool
	condition()
}

type CompareOp string

const (
	OpEq  CompareOp = "eq"
	OpGte CompareOp = "gte"
	OpLte CompareOp = "lte"
	OpGt  CompareOp = "gt"
	OpLt  CompareOp = "lt"
)

// CondReferralCount compares the confirmed-referral count with N.
type CondReferralCount struct {
	Op CompareOp
	N  int
}

func (c CondReferralCount) Holds(s Stats) bool {
	n := s.ConfirmedReferrals
	switch c.Op {
	case OpEq:
		return n == c.N
	case OpGte:
		return n >= c.N
	case OpLte:
		return n <= c.N
	case OpGt:
		return n > c.N
	case OpLt:
		return n < c.N
	}
	return false
}

// CondFirstReferralOnly holds when the subscriber has exactly one confirmed referral.
type CondFirstReferralOnly struct{}

func (CondFirstReferralOnly) Holds(s Stats) bool { return s.ConfirmedReferrals == 1 }

// CondMinScore holds when the current score is at least Min.
type CondMinScore struct {
	Min int
}

func (c CondMinScore) Holds(s Stats) bool { return s.Score >= c.Min }

// CondRequiresVerified holds when the subscriber verified their email.
type CondRequiresVerified struct{}

func (CondRequiresVerified) Holds(s Stats) bool { return s.EmailVerified }

// CondAll holds when every member holds. An empty CondAll always holds.
type CondAll []Condition

func (c CondAll) Holds(s Stats) bool {
	for _, cond := range c {
		if !cond.Holds(s) {
			return false
		}
	}
	return true
}

func (CondReferralCount) condition()     {}
func (CondFirstReferralOnly) condition() {}
func (CondMinScore) condition()          {}
func (CondRequiresVerified) condition()  {}
func (CondAll) condition()               {}

// ConditionHolds treats a nil condition as always true.
func ConditionHolds(c Condition, s Stats) bool {
	if c == nil {
		return true
	}
	return c.Holds(s)
}

// =============================================================================
// JSON FORM
// =============================================================================
//
//   {"referralCount": {"gte": 3, "lt": 10}}
//   {"firstReferralOnly": true}
//   {"minScore": 100}
//   {"requiresEmailVerified": true}
//
// Several keys in one object are a conjunction.

type conditionJSON struct {
	ReferralCount         map[CompareOp]int `json:"referralCount,omitempty"`
	FirstReferralOnly     bool              `json:"firstReferralOnly,omitempty"`
	MinScore              *int              `json:"minScore,omitempty"`
	RequiresEmailVerified bool              `json:"requiresEmailVerified,omitempty"`
}

// ParseCondition decodes the JSON form. Empty input or "null" yields nil (always).
func ParseCondition(raw []byte) (Condition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return nil, nil
	}

	var cj conditionJSON
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cj); err != nil {
		return nil, &ConditionError{Raw: string(raw), Reason: err.Error()}
	}

	var all CondAll
	for _, op := range []CompareOp{OpEq, OpGte, OpLte, OpGt, OpLt} {
		if n, ok := cj.ReferralCount[op]; ok {
			all = append(all, CondReferralCount{Op: op, N: n})
		}
	}
	if len(all) != len(cj.ReferralCount) {
		return nil, &ConditionError{Raw: string(raw), Reason: "unknown referralCount operator"}
	}
	if cj.FirstReferralOnly {
		all = append(all, CondFirstReferralOnly{})
	}
	if cj.MinScore != nil {
		all = append(all, CondMinScore{Min: *cj.MinScore})
	}
	if cj.RequiresEmailVerified {
		all = append(all, CondRequiresVerified{})
	}

	switch len(all) {
	case 0:
		return nil, nil
	case 1:
		return all[0], nil
	}
	return all, nil
}

// EncodeCondition is the inverse of ParseCondition.
func EncodeCondition(c Condition) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	var cj conditionJSON
	if err := fillConditionJSON(&cj, c); err != nil {
		return nil, err
	}
	return json.Marshal(cj)
}

func fillConditionJSON(cj *conditionJSON, c Condition) error {
	switch v := c.(type) {
	case CondReferralCount:
		if cj.ReferralCount == nil {
			cj.ReferralCount = make(map[CompareOp]int)
		}
		if _, dup := cj.ReferralCount[v.Op]; dup {
			return fmt.Errorf("%w: referralCount %s set twice", ErrInvalidCondition, v.Op)
		}
		cj.ReferralCount[v.Op] = v.N
	case CondFirstReferralOnly:
		cj.FirstReferralOnly = true
	case CondMinScore:
		if cj.MinScore != nil {
			return fmt.Errorf("%w: minScore set twice", ErrInvalidCondition)
		}
		m := v.Min
		cj.MinScore = &m
	case CondRequiresVerified:
		cj.RequiresEmailVerified = true
	case CondAll:
		for _, member := range v {
			if err := fillConditionJSON(cj, member); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %T", ErrInvalidCondition, c)
	}
	return nil
}
