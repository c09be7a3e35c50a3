// Package link implements the auto-link engine: scoring candidate
// (session, commit) pairs on branch, file, and time evidence and
// materializing the high-confidence ones as SessionLink rows.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/varalys/lore/internal/gitutil"
	"github.com/varalys/lore/internal/store"
)

// DefaultThreshold is the confidence an auto-link must reach before it is
// materialized, absent explicit configuration.
const DefaultThreshold = 0.7

// candidateWindow bounds how far from the commit timestamp a session can
// start or end and still be considered.
const candidateWindow = 30 * time.Minute

// Candidate is one scored (session, commit) pairing.
type Candidate struct {
	Session    store.Session
	Confidence float64
}

// Engine scores and materializes session-to-commit links.
type Engine struct {
	store *store.Store
}

// New builds an Engine backed by s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Score ranks every candidate session against commit, sorted by confidence
// descending and, for ties, by later started_at first. Sessions already
// linked to this commit are excluded.
func (e *Engine) Score(ctx context.Context, repoRoot string, commit gitutil.Commit) ([]Candidate, error) {
	candidates, err := e.store.FindSessionsNearCommitTime(ctx, commit.Timestamp, candidateWindow, repoRoot)
	if err != nil {
		return nil, fmt.Errorf("find candidate sessions: %w", err)
	}

	out := make([]Candidate, 0, len(candidates))
	for _, sess := range candidates {
		linked, err := e.store.LinkExists(ctx, sess.ID, commit.SHA)
		if err != nil {
			return nil, fmt.Errorf("check existing link: %w", err)
		}
		if linked {
			continue
		}

		messages, err := e.store.GetMessages(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("load session messages: %w", err)
		}

		score := Confidence(sess, messages, commit)
		out = append(out, Candidate{Session: sess, Confidence: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Session.StartedAt.After(out[j].Session.StartedAt)
	})
	return out, nil
}

// Apply scores every candidate and writes an Auto SessionLink for every one
// that meets threshold. Sessions already linked to the commit are neither
// reported nor re-written, since Score excludes them. When dryRun is
// true, nothing is written; Apply still returns what would have been
// written.
func (e *Engine) Apply(ctx context.Context, repoRoot string, commit gitutil.Commit, threshold float64, dryRun bool) ([]Candidate, error) {
	ranked, err := e.Score(ctx, repoRoot, commit)
	if err != nil {
		return nil, err
	}

	var written []Candidate
	for _, c := range ranked {
		if c.Confidence < threshold {
			continue
		}
		written = append(written, c)
		if dryRun {
			continue
		}

		confidence := c.Confidence
		l := store.SessionLink{
			ID:         uuid.NewString(),
			SessionID:  c.Session.ID,
			LinkType:   store.LinkTypeCommit,
			CommitSHA:  commit.SHA,
			Branch:     commit.Branch,
			CreatedAt:  time.Now(),
			CreatedBy:  store.CreatedByAuto,
			Confidence: &confidence,
		}
		if err := e.store.InsertLink(ctx, l); err != nil {
			return nil, fmt.Errorf("insert link for session %s: %w", c.Session.ID, err)
		}
	}
	return written, nil
}

// Confidence computes the auto-link score for one (session, commit) pair,
// as the sum of the contributions below, clamped so it never exceeds 1.0:
//
//   - +0.20 if the session's recorded git branch matches the commit's branch
//   - +0.40 * (overlap between session-referenced files and commit files) / max(|commit files|, 1)
//   - +0.30 * max(0, 1 - time_diff_minutes/30), time_diff from commit time to session end
//   - +0.10 if time_diff_minutes < 5
func Confidence(sess store.Session, messages []store.Message, commit gitutil.Commit) float64 {
	score := 0.0

	if sess.GitBranch != "" && sess.GitBranch == commit.Branch {
		score += 0.20
	}

	sessionFiles := sessionReferencedFiles(sess, messages)
	overlap := intersectCount(sessionFiles, commit.Files)
	if overlap > 0 {
		overlapRatio := float64(overlap) / math.Max(float64(len(commit.Files)), 1)
		score += 0.40 * overlapRatio
	}

	sessionEnd := sess.StartedAt
	if sess.EndedAt != nil {
		sessionEnd = *sess.EndedAt
	}
	timeDiffMinutes := math.Abs(commit.Timestamp.Sub(sessionEnd).Minutes())

	if timeDiffMinutes < 30 {
		score += 0.30 * (1 - timeDiffMinutes/30)
	}
	if timeDiffMinutes < 5 {
		score += 0.10
	}

	return math.Min(score, 1.0)
}

// toolUseInputPath matches quoted JSON string values that look like a file
// path: they contain a slash or a dotted extension.
var toolUseInputPath = regexp.MustCompile(`"((?:[\w.\-]+/)+[\w.\-]+|[\w.\-]+\.[a-zA-Z0-9]{1,8})"`)

// sessionReferencedFiles extracts the set of repo-relative file paths a
// session appears to have touched, scanning ToolUse inputs and message
// text for path-like tokens under the session's working directory.
func sessionReferencedFiles(sess store.Session, messages []store.Message) []string {
	seen := make(map[string]struct{})
	for _, m := range messages {
		if m.Content.IsText() {
			for _, p := range extractPaths(m.Content.Text) {
				seen[normalizeRelative(sess.WorkingDirectory, p)] = struct{}{}
			}
			continue
		}
		for _, b := range m.Content.Blocks {
			switch b.Type {
			case store.ContentBlockToolUse:
				for _, p := range extractPaths(string(b.ToolUseInput)) {
					seen[normalizeRelative(sess.WorkingDirectory, p)] = struct{}{}
				}
			case store.ContentBlockText:
				for _, p := range extractPaths(b.Text) {
					seen[normalizeRelative(sess.WorkingDirectory, p)] = struct{}{}
				}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

func extractPaths(text string) []string {
	var out []string
	for _, m := range toolUseInputPath.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	// json.Valid callers may also pass a raw JSON value without quotes
	// captured by the regex above (top-level string); handle that too.
	var asJSONString string
	if err := json.Unmarshal([]byte(text), &asJSONString); err == nil && asJSONString != "" {
		out = append(out, extractPaths(asJSONString)...)
	}
	return out
}

func normalizeRelative(workingDir, path string) string {
	if workingDir == "" || !strings.HasPrefix(path, "/") {
		return filepath.Clean(path)
	}
	rel, err := filepath.Rel(workingDir, path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(rel)
}

func intersectCount(a, b []string) int {
	set := make(map[string]struct{}, len(b))
	for _, f := range b {
		set[filepath.Clean(f)] = struct{}{}
	}
	count := 0
	for _, f := range a {
		if _, ok := set[filepath.Clean(f)]; ok {
			count++
		}
	}
	return count
}
