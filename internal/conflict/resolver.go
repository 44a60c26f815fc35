// ABOUTME: Conflict resolution engine: picks one reconciled value per conflicted field
// ABOUTME: Strategy chain: user preference, set merge, semantic merge, precedence, recency, escalate

package conflict

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jqsirls/storygate/internal/session"
)

// Resolution strategies, recorded on the ConflictRecord for audit.
const (
	StrategyUserPreference = "user_preference"
	StrategyPrecedence     = "channel_precedence"
	StrategySetMerge       = "set_merge"
	StrategySemanticMerge  = "semantic_merge"
	StrategyMostRecent     = "most_recent"
	StrategyUserChoice     = "user_choice"
)

// defaultTieBreak is the documented stable channel ordering used when two
// candidates carry identical timestamps and no precedence is configured.
var defaultTieBreak = []string{
	"voice_assistant",
	"web_chat",
	"mobile_voice",
	"direct_api",
}

// UnresolvableConflictError indicates no strategy could safely reconcile the
// candidates. The field stays frozen at its last-known-good value and the
// record remains open pending a user choice.
type UnresolvableConflictError struct {
	ConflictID string
	FieldPath  string
}

func (e *UnresolvableConflictError) Error() string {
	return fmt.Sprintf("conflict %s on %s requires user choice", e.ConflictID, e.FieldPath)
}

// Config is the resolution policy.
type Config struct {
	// Precedence orders channel types from most to least authoritative. When
	// empty, scalar conflicts resolve by recency instead.
	Precedence []string

	// UserPreferences maps a field path to the channel type whose value
	// always wins for that field. Overrides every other strategy.
	UserPreferences map[string]string
}

// Resolution is the outcome of resolving one ConflictRecord.
type Resolution struct {
	Strategy string
	Value    any

	// RequiresUserChoice is set when no strategy applied safely; Value then
	// holds the last-known-good value the field is frozen at.
	RequiresUserChoice bool

	// Discarded lists candidates whose values did not contribute to the
	// resolved value, retained for user review.
	Discarded []session.Candidate
}

// Resolver applies the strategy chain to conflict records.
type Resolver struct {
	cfg    Config
	logger *slog.Logger
}

// NewResolver creates a Resolver. Pass nil logger for default.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		logger: logger.With("component", "conflict-resolver"),
	}
}

// Resolve selects exactly one strategy for the record and returns the
// reconciled value. lastKnownGood is the field's current canonical value,
// used to freeze the field when escalation is the only safe outcome.
//
// The chain, most to least specific:
//
//  1. user preference for the field path
//  2. set union for set-valued fields (commutative)
//  3. semantic merge for narrative fields
//  4. configured channel precedence
//  5. most recent producedAt; equal timestamps break by stable channel order
//  6. escalate: requires a user choice, field frozen at lastKnownGood
func (r *Resolver) Resolve(rec *session.ConflictRecord, lastKnownGood any) (*Resolution, error) {
	if len(rec.Candidates) < 2 {
		return nil, fmt.Errorf("conflict %s has %d candidates, need at least 2", rec.ConflictID, len(rec.Candidates))
	}

	res := r.resolve(rec, lastKnownGood)

	if res.RequiresUserChoice {
		r.logger.Warn("conflict escalated to user choice",
			"conflict_id", rec.ConflictID,
			"session_id", rec.SessionID,
			"field", rec.FieldPath,
		)
		return res, &UnresolvableConflictError{ConflictID: rec.ConflictID, FieldPath: rec.FieldPath}
	}

	r.logger.Debug("conflict resolved",
		"conflict_id", rec.ConflictID,
		"session_id", rec.SessionID,
		"field", rec.FieldPath,
		"strategy", res.Strategy,
	)
	return res, nil
}

func (r *Resolver) resolve(rec *session.ConflictRecord, lastKnownGood any) *Resolution {
	if ch, ok := r.cfg.UserPreferences[rec.FieldPath]; ok {
		if c := candidateFrom(rec.Candidates, ch); c != nil {
			return &Resolution{
				Strategy:  StrategyUserPreference,
				Value:     c.Value,
				Discarded: discardedExcept(rec.Candidates, c),
			}
		}
	}

	if session.IsSetField(rec.FieldPath) {
		if res := mergeSet(rec.Candidates); res != nil {
			return res
		}
	}

	if session.IsNarrativeField(rec.FieldPath) {
		if res := mergeNarrative(rec.Candidates); res != nil {
			return res
		}
	}

	if len(r.cfg.Precedence) > 0 {
		if c := highestPrecedence(rec.Candidates, r.cfg.Precedence); c != nil {
			return &Resolution{
				Strategy:  StrategyPrecedence,
				Value:     c.Value,
				Discarded: discardedExcept(rec.Candidates, c),
			}
		}
	}

	if c := mostRecent(rec.Candidates); c != nil {
		return &Resolution{
			Strategy:  StrategyMostRecent,
			Value:     c.Value,
			Discarded: discardedExcept(rec.Candidates, c),
		}
	}

	return &Resolution{
		Strategy:           StrategyUserChoice,
		Value:              lastKnownGood,
		RequiresUserChoice: true,
		Discarded:          append([]session.Candidate(nil), rec.Candidates...),
	}
}

// candidateFrom returns the candidate produced by the given channel, if any.
func candidateFrom(cands []session.Candidate, channel string) *session.Candidate {
	for i := range cands {
		if cands[i].Channel == channel {
			return &cands[i]
		}
	}
	return nil
}

// discardedExcept returns every candidate other than the winner.
func discardedExcept(cands []session.Candidate, winner *session.Candidate) []session.Candidate {
	var out []session.Candidate
	for i := range cands {
		if &cands[i] != winner {
			out = append(out, cands[i])
		}
	}
	return out
}

// mergeSet unions set-valued candidates. Sorted output makes the merge
// commutative: A merged with B equals B merged with A. Returns nil when any
// candidate is not a string set.
func mergeSet(cands []session.Candidate) *Resolution {
	seen := make(map[string]bool)
	var union []string
	for _, c := range cands {
		vals, ok := session.ToStringSlice(c.Value)
		if !ok {
			return nil
		}
		for _, v := range vals {
			if !seen[v] {
				seen[v] = true
				union = append(union, v)
			}
		}
	}
	sort.Strings(union)
	return &Resolution{Strategy: StrategySetMerge, Value: union}
}

// mergeNarrative reconciles narrative text candidates. Distinct additions are
// concatenated in producedAt order; when one candidate contains the other
// (an edit of the same span), the longer text wins and the shorter candidate
// is retained for review.
func mergeNarrative(cands []session.Candidate) *Resolution {
	texts := make([]string, len(cands))
	for i, c := range cands {
		s, ok := c.Value.(string)
		if !ok {
			return nil
		}
		texts[i] = s
	}

	if len(cands) == 2 {
		a, b := texts[0], texts[1]
		if strings.Contains(a, b) || strings.Contains(b, a) {
			winner, loser := 0, 1
			if len(b) > len(a) {
				winner, loser = 1, 0
			}
			return &Resolution{
				Strategy:  StrategySemanticMerge,
				Value:     texts[winner],
				Discarded: []session.Candidate{cands[loser]},
			}
		}
	}

	ordered := append([]session.Candidate(nil), cands...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ProducedAt.Before(ordered[j].ProducedAt)
	})
	parts := make([]string, 0, len(ordered))
	for _, c := range ordered {
		parts = append(parts, c.Value.(string))
	}
	return &Resolution{Strategy: StrategySemanticMerge, Value: strings.Join(parts, " ")}
}

// highestPrecedence returns the candidate from the most authoritative
// configured channel. Returns nil when no candidate's channel is listed.
func highestPrecedence(cands []session.Candidate, precedence []string) *session.Candidate {
	for _, ch := range precedence {
		if c := candidateFrom(cands, ch); c != nil {
			return c
		}
	}
	return nil
}

// mostRecent returns the candidate with the latest producedAt. Equal
// timestamps break by the stable default channel ordering; nil when even that
// cannot separate them.
func mostRecent(cands []session.Candidate) *session.Candidate {
	latest := &cands[0]
	tied := false
	for i := 1; i < len(cands); i++ {
		c := &cands[i]
		switch {
		case c.ProducedAt.After(latest.ProducedAt):
			latest, tied = c, false
		case c.ProducedAt.Equal(latest.ProducedAt):
			tied = true
		}
	}
	if !tied {
		return latest
	}
	// Tie: fall back to the documented stable channel ordering across the
	// candidates sharing the latest timestamp.
	for _, ch := range defaultTieBreak {
		for i := range cands {
			if cands[i].ProducedAt.Equal(latest.ProducedAt) && cands[i].Channel == ch {
				return &cands[i]
			}
		}
	}
	return nil
}
