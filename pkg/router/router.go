// Package router selects which generator handles a given turn. Rules are
// walked in stable store order; the first enabled rule whose cadence matches
// the turn index wins, otherwise the first active model config is used.
package router

import (
	"github.com/pkg/errors"

	"github.com/hmunoz/wagent/pkg/store"
)

// ErrNoModel is returned when neither a rule nor an active config matches.
var ErrNoModel = errors.New("no routing rule matched and no active model config")

// Choose is a pure function of the rule set and the turn index: turnIndex is
// the count of prior assistant turns in the chat. It returns the model name
// to use for this turn.
func Choose(rules []store.Rule, configs []store.ModelConfig, turnIndex int) (string, error) {
	for _, r := range rules {
		if !r.Enabled || r.EveryNMessages <= 0 {
			continue
		}
		if turnIndex%r.EveryNMessages == 0 {
			return r.Model, nil
		}
	}

	for _, mc := range configs {
		if mc.Active {
			return mc.Name, nil
		}
	}

	return "", ErrNoModel
}
