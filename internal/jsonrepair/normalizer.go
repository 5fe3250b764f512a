// Package jsonrepair turns model output that was supposed to be JSON into
// JSON, first by cheap local extraction and then, within a fixed budget, by
// asking a Repairer to rewrite it.
package jsonrepair

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxRepairRounds is the repair budget when none is configured.
const DefaultMaxRepairRounds = 2

// ErrJSONRepairExhausted is matched by a RepairExhaustedError.
var ErrJSONRepairExhausted = errors.New("json repair exhausted")

// RepairExhaustedError is returned when neither extraction nor the repair
// budget produced JSON. RawText is the text Normalize was called with.
type RepairExhaustedError struct {
	RawText string
	Rounds  int
}

func (e *RepairExhaustedError) Error() string {
	return fmt.Sprintf("json repair exhausted after %d round(s)", e.Rounds)
}

// Is lets errors.Is(err, ErrJSONRepairExhausted) match.
func (e *RepairExhaustedError) Is(target error) bool { return target == ErrJSONRepairExhausted }

// Repairer rewrites text that failed extraction. The returned text is run
// through every extraction stage again.
type Repairer interface {
	Repair(ctx context.Context, text string) (string, error)
}

// RepairerFunc adapts a function to the Repairer interface.
type RepairerFunc func(ctx context.Context, text string) (string, error)

// Repair calls f.
func (f RepairerFunc) Repair(ctx context.Context, text string) (string, error) { return f(ctx, text) }

// RepairState tracks one Normalize call.
type RepairState struct {
	RawText         string
	RepairRound     int
	MaxRepairRounds int
}

// Exhausted reports whether the repair budget is spent.
func (s RepairState) Exhausted() bool { return s.RepairRound >= s.MaxRepairRounds }

// Normalizer extracts JSON from free text.
type Normalizer struct {
	repairer  Repairer
	maxRounds int
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithMaxRepairRounds sets the repair budget. Negative values mean zero.
func WithMaxRepairRounds(n int) Option {
	return func(nz *Normalizer) {
		if n < 0 {
			n = 0
		}
		nz.maxRounds = n
	}
}

// NewNormalizer creates a normalizer. A nil repairer disables repair rounds.
func NewNormalizer(repairer Repairer, opts ...Option) *Normalizer {
	n := &Normalizer{repairer: repairer, maxRounds: DefaultMaxRepairRounds}
	for _, opt := range opts {
		opt(n)
	}
	if n.repairer == nil {
		n.maxRounds = 0
	}
	return n
}

// MaxRepairRounds returns the configured budget.
func (n *Normalizer) MaxRepairRounds() int { return n.maxRounds }

// Normalize returns the JSON found in rawText. Text that is already valid
// JSON is returned unchanged without calling the repairer. A
// repairer error ends the loop and is returned wrapped.
func (n *Normalizer) Normalize(ctx context.Context, rawText string) (string, error) {
	state := RepairState{RawText: rawText, MaxRepairRounds: n.maxRounds}
	current := rawText

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, stage, ok, err := extract(ctx, current)
		if err != nil {
			return "", err
		}
		if ok {
			log.WithFields(log.Fields{
				"stage": stage.String(),
				"round": state.RepairRound,
			}).Debug("json extracted")
			return out, nil
		}

		if state.Exhausted() {
			log.WithField("rounds", state.RepairRound).Warn("json repair budget exhausted")
			return "", &RepairExhaustedError{RawText: state.RawText, Rounds: state.RepairRound}
		}

		state.RepairRound++
		log.WithFields(log.Fields{
			"round":      state.RepairRound,
			"max_rounds": state.MaxRepairRounds,
		}).Info("requesting json repair")

		repaired, err := n.repairer.Repair(ctx, current)
		if err != nil {
			return "", fmt.Errorf("json repair round %d: %w", state.RepairRound, err)
		}
		current = repaired
	}
}
