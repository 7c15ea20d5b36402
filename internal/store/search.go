package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"flywheel/internal/logging"
	"flywheel/internal/types"
)

const (
	// maxSearchTerms caps how many query terms feed the LIKE prefilter.
	maxSearchTerms = 8

	// candidateMultiplier widens the keyword prefilter so Go-side scoring
	// has enough rows to rank.
	candidateMultiplier = 4

	// decayHalfLifeDays halves a pattern's recency weight every 30 days
	// since it was last seen.
	decayHalfLifeDays = 30.0
)

// SearchPatterns returns up to limit patterns ranked by relevance to the
// query. With an embedding engine configured the ranking is cosine
// similarity blended with confidence, computed in SQL over the stored
// vectors. Without one, or when the semantic path fails for any reason,
// the keyword path ranks by term overlap weighted by confidence and
// recency. Semantic failures never surface as errors.
func (s *Store) SearchPatterns(ctx context.Context, query string, typeFilter types.PatternType, minConfidence float64, limit int) ([]Pattern, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	if s.engine != nil && query != "" {
		results, err := s.semanticSearch(ctx, query, typeFilter, minConfidence, limit)
		if err != nil {
			logging.StoreDebug("Semantic search unavailable, falling back to keyword: %v", err)
		} else if len(results) > 0 {
			return results, nil
		}
		// Zero semantic hits also falls through: rows stored before the
		// engine was enabled have no vectors yet.
	}

	return s.keywordSearch(ctx, query, typeFilter, minConfidence, limit)
}

// =============================================================================
// SEMANTIC PATH
// =============================================================================

func (s *Store) semanticSearch(ctx context.Context, query string, typeFilter types.PatternType, minConfidence float64, limit int) ([]Pattern, error) {
	vec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}
	blob := MarshalEmbedding(vec)

	sqlQuery := selectColumns + `,
		(1.0 - vec_distance_cosine(embedding, ?)) * (0.5 + 0.5 * confidence) AS score
		FROM patterns
		WHERE embedding IS NOT NULL AND confidence >= ?`
	args := []interface{}{blob, minConfidence}
	if typeFilter != "" {
		sqlQuery += ` AND pattern_type = ?`
		args = append(args, string(typeFilter))
	}
	sqlQuery += ` ORDER BY score DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic query failed: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var (
			p                   Pattern
			pt                  string
			metaJSON            string
			embBlob             []byte
			createdAt, lastSeen string
			score               float64
		)
		err := rows.Scan(&p.ID, &pt, &p.Name, &p.Content, &p.Confidence, &p.EvidenceCount,
			&p.TimesSeen, &p.TimesSuccessful, &metaJSON, &embBlob, &createdAt, &lastSeen, &score)
		if err != nil {
			return nil, fmt.Errorf("semantic scan failed: %w", err)
		}
		p.Type = types.PatternType(pt)
		p.Embedding = UnmarshalEmbedding(embBlob)
		if metaJSON != "" && metaJSON != "{}" {
			if uerr := json.Unmarshal([]byte(metaJSON), &p.Metadata); uerr != nil {
				logging.StoreDebug("Ignoring unreadable metadata on pattern %d: %v", p.ID, uerr)
			}
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		p.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic query failed: %w", err)
	}
	logging.StoreDebug("Semantic search for %q returned %d patterns", query, len(out))
	return out, nil
}

// =============================================================================
// KEYWORD PATH
// =============================================================================

func (s *Store) keywordSearch(ctx context.Context, query string, typeFilter types.PatternType, minConfidence float64, limit int) ([]Pattern, error) {
	terms := searchTerms(query)

	// No usable terms means browse mode: highest-confidence patterns.
	if len(terms) == 0 {
		return s.List(ctx, typeFilter, limit)
	}

	sqlQuery := selectColumns + ` FROM patterns WHERE confidence >= ?`
	args := []interface{}{minConfidence}
	if typeFilter != "" {
		sqlQuery += ` AND pattern_type = ?`
		args = append(args, string(typeFilter))
	}
	var likes []string
	for _, term := range terms {
		likes = append(likes, `name LIKE ? OR content LIKE ?`)
		like := "%" + term + "%"
		args = append(args, like, like)
	}
	sqlQuery += ` AND (` + strings.Join(likes, ` OR `) + `)`
	sqlQuery += ` ORDER BY last_seen DESC LIMIT ?`
	args = append(args, limit*candidateMultiplier)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword query failed: %w", err)
	}
	candidates, err := scanPatterns(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("keyword query failed: %w", err)
	}

	now := time.Now().UTC()
	scores := make(map[int64]float64, len(candidates))
	for _, p := range candidates {
		scores[p.ID] = keywordScore(p, terms, now)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := scores[candidates[i].ID], scores[candidates[j].ID]
		if si != sj {
			return si > sj
		}
		return candidates[i].LastSeen.After(candidates[j].LastSeen)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	logging.StoreDebug("Keyword search for %q returned %d patterns", query, len(candidates))
	return candidates, nil
}

// keywordScore ranks a candidate by term coverage, weighted by confidence
// and an exponential recency decay with a 30 day half-life.
func keywordScore(p Pattern, terms []string, now time.Time) float64 {
	haystack := strings.ToLower(p.Name + " " + p.Content)
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	coverage := float64(matched) / float64(len(terms))
	ageDays := now.Sub(p.LastSeen).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := math.Pow(0.5, ageDays/decayHalfLifeDays)
	return coverage * (0.5 + 0.5*p.Confidence) * decay
}

func searchTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, `"'.,;:()[]{}`)
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
		if len(terms) == maxSearchTerms {
			break
		}
	}
	return terms
}
