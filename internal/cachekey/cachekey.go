// Package cachekey derives a deterministic fingerprint of the inputs that
// define a rendering job. Two submissions that would produce identical output
// must map to the same key, regardless of option ordering or float noise in
// mask coordinates.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"server/internal/domain"
)

// coordPrecision is the number of decimal places mask coordinates and
// calibration values are rounded to before hashing.
const coordPrecision = 4

// transientOptionKeys are display-only option fields that never influence the
// rendered output and are stripped before hashing.
var transientOptionKeys = map[string]struct{}{
	"label":        {},
	"display_name": {},
	"preview":      {},
	"client_ref":   {},
}

// Normalize returns the cache key for a submission. The key is a SHA-256 hex
// digest over a canonical JSON encoding of the job-defining inputs.
func Normalize(inputHash string, masks []domain.Mask, calibration domain.Calibration, options map[string]any, provider, model string) string {
	canonical := map[string]any{
		"input_hash": inputHash,
		"provider":   provider,
		"model":      model,
	}
	if len(masks) > 0 {
		canonical["masks"] = canonicalMasks(masks)
	}
	if cal := canonicalCalibration(calibration); len(cal) > 0 {
		canonical["calibration"] = cal
	}
	if opts := canonicalOptions(options); len(opts) > 0 {
		canonical["options"] = opts
	}

	// Maps marshal with sorted keys, so the encoding is stable.
	encoded, _ := json.Marshal(canonical)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

type canonicalMask struct {
	ID         string     `json:"id"`
	MaterialID string     `json:"material_id"`
	Points     [][]string `json:"points"`
}

func canonicalMasks(masks []domain.Mask) []canonicalMask {
	out := make([]canonicalMask, 0, len(masks))
	for _, m := range masks {
		cm := canonicalMask{ID: m.ID, MaterialID: m.MaterialID}
		for _, p := range m.Points {
			cm.Points = append(cm.Points, []string{roundCoord(p[0]), roundCoord(p[1])})
		}
		out = append(out, cm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func canonicalCalibration(cal domain.Calibration) map[string]string {
	if len(cal) == 0 {
		return nil
	}
	out := make(map[string]string, len(cal))
	for k, v := range cal {
		out[k] = roundCoord(v)
	}
	return out
}

func canonicalOptions(options map[string]any) map[string]any {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		key := strings.ToLower(k)
		if _, transient := transientOptionKeys[key]; transient {
			continue
		}
		if strings.HasPrefix(key, "ui_") {
			continue
		}
		if f, ok := v.(float64); ok {
			out[key] = roundCoord(f)
			continue
		}
		out[key] = v
	}
	return out
}

// roundCoord renders a float at fixed precision so that 0.30000000004 and 0.3
// hash identically. Negative zero collapses to zero.
func roundCoord(v float64) string {
	scale := math.Pow10(coordPrecision)
	r := math.Round(v*scale) / scale
	if r == 0 {
		r = 0
	}
	return fmt.Sprintf("%.*f", coordPrecision, r)
}
