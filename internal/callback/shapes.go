package callback

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"server/internal/domain"
)

// Payload is the decoded callback body. Result data arrives in one of three
// shapes and is normalized into a single canonical variant list right after
// signature verification, so downstream logic handles exactly one form.
type Payload struct {
	Status       string          `json:"status"`
	Progress     *int            `json:"progress"`
	ErrorMessage string          `json:"error_message"`
	ErrorCode    string          `json:"error_code"`
	CostMicros   *int64          `json:"cost_micros"`
	Results      json.RawMessage `json:"results"`
	URLs         []string        `json:"urls"`
	URL          string          `json:"url"`
}

// ParsePayload decodes the raw callback body.
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode callback payload: %w", err)
	}
	if p.Status == "" {
		return nil, fmt.Errorf("callback payload missing status")
	}
	return &p, nil
}

// Variants normalizes the result payload into the canonical variant list:
//   - explicit [{url, rank}] entries keep their ranks (sorted, deduplicated),
//   - a bare URL list is ranked by index,
//   - a single URL becomes rank 0.
func (p *Payload) Variants() ([]domain.Variant, error) {
	if len(p.Results) > 0 && string(p.Results) != "null" {
		var entries []struct {
			URL  string `json:"url"`
			Rank *int   `json:"rank"`
		}
		if err := json.Unmarshal(p.Results, &entries); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
		variants := make([]domain.Variant, 0, len(entries))
		for i, e := range entries {
			if strings.TrimSpace(e.URL) == "" {
				continue
			}
			rank := i
			if e.Rank != nil {
				rank = *e.Rank
			}
			variants = append(variants, domain.Variant{OutputURL: e.URL, Rank: rank})
		}
		sort.Slice(variants, func(i, j int) bool { return variants[i].Rank < variants[j].Rank })
		// Re-rank sequentially so ranks stay unique and 0-based even when the
		// provider sends gaps or duplicates.
		for i := range variants {
			variants[i].Rank = i
		}
		return variants, nil
	}

	if len(p.URLs) > 0 {
		variants := make([]domain.Variant, 0, len(p.URLs))
		for _, u := range p.URLs {
			if strings.TrimSpace(u) == "" {
				continue
			}
			variants = append(variants, domain.Variant{OutputURL: u, Rank: len(variants)})
		}
		return variants, nil
	}

	if strings.TrimSpace(p.URL) != "" {
		return []domain.Variant{{OutputURL: p.URL, Rank: 0}}, nil
	}

	return nil, nil
}
