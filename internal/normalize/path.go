// Package normalize implements the canonical UNS path derivation (C3): a
// pure, deterministic mapping from topic segments and metric names to the
// slash-separated path and its dot-path "canary id" (§4.3).
package normalize

import (
	"strings"

	pkgerrors "github.com/secil-uns/canary-sync/pkg/errors"
)

const component = "normalize"

const separator = "/"

// Normalizer exposes the three pure functions C3 contracts.
type Normalizer struct{}

func New() *Normalizer {
	return &Normalizer{}
}

// NormalizeDevice builds the device's canonical path from ordered topic
// segments (e.g. group, country, business unit, plant, edge, device).
func (n *Normalizer) NormalizeDevice(segments []string) (string, error) {
	normalized := make([]string, 0, len(segments))
	for _, s := range segments {
		seg, err := normalizeSegment(s)
		if err != nil {
			return "", err
		}
		normalized = append(normalized, seg)
	}
	return strings.Join(normalized, separator), nil
}

// NormalizeMetric appends a (possibly multi-segment, slash-separated)
// metric name onto an already-normalized device path.
func (n *Normalizer) NormalizeMetric(deviceUNSPath, metricName string) (string, error) {
	if deviceUNSPath == "" {
		return "", pkgerrors.New(pkgerrors.ProtocolFraming, component, "normalize_metric", "empty device path")
	}

	parts := strings.Split(metricName, separator)
	normalized := make([]string, 0, len(parts))
	for _, p := range parts {
		seg, err := normalizeSegment(p)
		if err != nil {
			return "", err
		}
		normalized = append(normalized, seg)
	}

	return deviceUNSPath + separator + strings.Join(normalized, separator), nil
}

// ToCanaryID replaces every path separator with a dot. Idempotent: applying
// it to an already-dotted string is a no-op, since dotted strings contain
// no "/" left to replace.
func (n *Normalizer) ToCanaryID(unsPath string) string {
	return strings.ReplaceAll(unsPath, separator, ".")
}

// normalizeSegment trims, collapses interior whitespace to underscore, and
// replaces any character outside [A-Za-z0-9 _ . - /] with underscore
// (excluding the separator itself, which never appears in a single
// segment). Casing is preserved.
func normalizeSegment(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", pkgerrors.New(pkgerrors.ProtocolFraming, component, "normalize_segment", "empty path segment").
			WithMetadata("raw", raw)
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	prevWasSpace := false
	for _, r := range trimmed {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !prevWasSpace {
				b.WriteByte('_')
			}
			prevWasSpace = true
			continue
		case isAllowed(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		prevWasSpace = false
	}

	result := b.String()
	if result == "" {
		return "", pkgerrors.New(pkgerrors.ProtocolFraming, component, "normalize_segment", "segment empty after normalization").
			WithMetadata("raw", raw)
	}
	return result, nil
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '.' || r == '-':
		return true
	default:
		return false
	}
}
