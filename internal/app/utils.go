package app

import (
	"encoding/json"

	"github.com/secil-uns/canary-sync/internal/model"
)

func marshalDiff(diff model.AggregatedDiff) (json.RawMessage, error) {
	return json.Marshal(diff)
}
