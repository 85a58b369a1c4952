package ingest

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Classification is the (Country, BusinessUnit, Plant) triple NormalizeDevice
// needs alongside (GroupID, Edge, Device) to build the UNS path (§4.3,
// glossary "UNS path").
type Classification struct {
	Country      string `json:"country"`
	BusinessUnit string `json:"business_unit"`
	Plant        string `json:"plant"`
}

// ClassificationResolver maps a Sparkplug edge node id to its site
// classification via a static file, loaded once at startup. Grounded on
// AliasCache's load-from-JSON-file idiom; unlike the alias cache this table
// is operator-maintained, not birth-frame-populated, so there is no
// Snapshot/write-back half.
type ClassificationResolver struct {
	mu      sync.RWMutex
	byEdge  map[string]Classification
	logger  *logrus.Logger
	unknown map[string]bool
}

func NewClassificationResolver(logger *logrus.Logger) *ClassificationResolver {
	return &ClassificationResolver{
		byEdge:  make(map[string]Classification),
		logger:  logger,
		unknown: make(map[string]bool),
	}
}

type classificationFile struct {
	Edges map[string]Classification `json:"edges"`
}

// Load reads the classification table from path. A missing or empty path
// is not an error: every edge resolves to the Unknown fallback.
func (r *ClassificationResolver) Load(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var cf classificationFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for edge, c := range cf.Edges {
		r.byEdge[edge] = c
	}
	return nil
}

// Resolve returns the classification for edge, falling back to "Unknown"
// fields (logged once per edge) when the table has no entry.
func (r *ClassificationResolver) Resolve(edge string) Classification {
	r.mu.RLock()
	c, ok := r.byEdge[edge]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	alreadyWarned := r.unknown[edge]
	r.unknown[edge] = true
	r.mu.Unlock()
	if !alreadyWarned {
		r.logger.WithField("edge", edge).Warn("no classification entry, using Unknown")
	}
	return Classification{Country: "Unknown", BusinessUnit: "Unknown", Plant: "Unknown"}
}
