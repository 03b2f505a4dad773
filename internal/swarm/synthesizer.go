package swarm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/eren23/attoswarm/internal/models"
)

// MergeStrategy selects how completed outputs are combined.
type MergeStrategy string

const (
	MergeConcat     MergeStrategy = "concat"
	MergeDedup      MergeStrategy = "dedup"
	MergeStructured MergeStrategy = "structured"
)

// ConflictKind classifies a detected conflict between two outputs.
type ConflictKind string

const (
	ConflictCodeOverlap   ConflictKind = "code-overlap"
	ConflictContradiction ConflictKind = "contradiction"
	ConflictApproach      ConflictKind = "approach-mismatch"
)

// Conflict records a disagreement between two subtask outputs and how it
// was resolved.
type Conflict struct {
	Kind       ConflictKind
	SubtaskA   string
	SubtaskB   string
	File       string // code overlaps only
	Resolution string // highest-confidence, highest-authority, voting, merge-both
}

// dedupJaccardThreshold: outputs more similar than this are considered
// duplicates and only the higher-confidence one is kept.
const dedupJaccardThreshold = 0.85

// approachSimilarityCeiling: outputs of comparable length below this
// similarity are flagged as an approach mismatch.
const approachSimilarityCeiling = 0.25

// Synthesizer merges completed subtask outputs into one result.
type Synthesizer struct {
	Strategy MergeStrategy
}

// NewSynthesizer defaults to the dedup strategy.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{Strategy: MergeDedup}
}

// contribution is one completed subtask's output with its confidence
// (quality score normalized to [0,1]) and authority (wave depth: later
// waves build on earlier ones and win ties).
type contribution struct {
	id         string
	output     string
	files      []string
	confidence float64
	authority  int
}

// Synthesize combines the outputs of completed subtasks, in queue order,
// and reports the conflicts it found. Degraded results contribute at
// reduced confidence.
func (s *Synthesizer) Synthesize(tasks []*models.Subtask) (string, []Conflict) {
	var contribs []contribution
	for _, t := range tasks {
		if t.Status != models.StatusCompleted || t.Result == nil || strings.TrimSpace(t.Result.Output) == "" {
			continue
		}
		score := t.Result.QualityScore
		if score == 0 {
			score = 3
		}
		contribs = append(contribs, contribution{
			id:         t.ID,
			output:     t.Result.Output,
			files:      t.Result.FilesModified,
			confidence: float64(score) / 5.0,
			authority:  t.Wave,
		})
	}
	if len(contribs) == 0 {
		return "", nil
	}

	conflicts := detectConflicts(contribs)

	switch s.Strategy {
	case MergeConcat:
		return concatMerge(contribs), conflicts
	case MergeStructured:
		return structuredMerge(contribs, conflicts), conflicts
	default:
		return dedupMerge(contribs), conflicts
	}
}

func concatMerge(contribs []contribution) string {
	var b strings.Builder
	for _, c := range contribs {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", c.id, strings.TrimSpace(c.output))
	}
	return strings.TrimSpace(b.String())
}

// dedupMerge drops outputs that are near-duplicates of an earlier,
// higher-confidence contribution.
func dedupMerge(contribs []contribution) string {
	kept := make([]contribution, 0, len(contribs))
	for _, c := range contribs {
		dup := false
		for i, k := range kept {
			if jaccard(c.output, k.output) > dedupJaccardThreshold {
				dup = true
				if c.confidence > k.confidence {
					kept[i] = c // keep the better duplicate
				}
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return concatMerge(kept)
}

// structuredMerge merges per-file: when several contributions claim the
// same file, the highest-confidence one speaks for it; prose outputs are
// concatenated after dedup.
func structuredMerge(contribs []contribution, conflicts []Conflict) string {
	owner := make(map[string]contribution)
	for _, c := range contribs {
		for _, f := range c.files {
			if cur, ok := owner[f]; !ok || c.confidence > cur.confidence ||
				(c.confidence == cur.confidence && c.authority > cur.authority) {
				owner[f] = c
			}
		}
	}

	var files []string
	for f := range owner {
		files = append(files, f)
	}
	sort.Strings(files)

	var b strings.Builder
	if len(files) > 0 {
		b.WriteString("## Files\n\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s (from %s)\n", f, owner[f].id)
		}
		b.WriteString("\n")
	}
	b.WriteString(dedupMerge(contribs))
	return strings.TrimSpace(b.String())
}

// detectConflicts finds code overlaps, logical contradictions, and
// approach mismatches across all contribution pairs.
func detectConflicts(contribs []contribution) []Conflict {
	var out []Conflict
	for i := 0; i < len(contribs); i++ {
		for j := i + 1; j < len(contribs); j++ {
			a, b := contribs[i], contribs[j]

			for _, f := range sharedFiles(a.files, b.files) {
				if jaccard(a.output, b.output) < dedupJaccardThreshold {
					out = append(out, Conflict{
						Kind:       ConflictCodeOverlap,
						SubtaskA:   a.id,
						SubtaskB:   b.id,
						File:       f,
						Resolution: resolveByConfidence(a, b),
					})
				}
			}

			if contradicts(a.output, b.output) {
				out = append(out, Conflict{
					Kind:       ConflictContradiction,
					SubtaskA:   a.id,
					SubtaskB:   b.id,
					Resolution: resolveByAuthority(a, b),
				})
			}

			la, lb := len(a.output), len(b.output)
			comparable := la > 0 && lb > 0 && la < 2*lb && lb < 2*la
			if comparable && jaccard(a.output, b.output) < approachSimilarityCeiling {
				out = append(out, Conflict{
					Kind:       ConflictApproach,
					SubtaskA:   a.id,
					SubtaskB:   b.id,
					Resolution: "merge-both",
				})
			}
		}
	}
	return out
}

func resolveByConfidence(a, b contribution) string {
	if a.confidence == b.confidence {
		return "voting"
	}
	return "highest-confidence"
}

func resolveByAuthority(a, b contribution) string {
	if a.authority == b.authority {
		return resolveByConfidence(a, b)
	}
	return "highest-authority"
}

// oppositePairs drive the opposite-assertion heuristic for logical
// contradictions: one output asserts X, the other asserts not-X about the
// same subject line.
var oppositePairs = [][2]string{
	{"is required", "is not required"},
	{"should be", "should not be"},
	{"is safe", "is not safe"},
	{"works", "does not work"},
	{"is possible", "is not possible"},
	{"must", "must not"},
}

func contradicts(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	for _, pair := range oppositePairs {
		if (strings.Contains(la, pair[0]) && strings.Contains(lb, pair[1])) ||
			(strings.Contains(la, pair[1]) && strings.Contains(lb, pair[0])) {
			// Guard against "must not" matching the "must" probe in the
			// same output.
			if !strings.Contains(la, pair[1]) || !strings.Contains(lb, pair[1]) {
				return true
			}
		}
	}
	return false
}

func sharedFiles(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var out []string
	for _, f := range b {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}

// jaccard computes word-set Jaccard similarity of two texts.
func jaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,:;!?()[]{}\"'`")
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}
