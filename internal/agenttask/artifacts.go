package agenttask

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agenttask/internal/common/logger"
)

const (
	reportsDir     = "subagent-reports"
	patchesDir     = "subagent-patches"
	transcriptsDir = "subagent-transcripts"
	reportFile     = "report.md"
	indexFile      = "index.json"
	chatFile       = "chat.jsonl"
	partialFile    = "partial.json"
)

// ArtifactStore is the disk-backed per-workspace session directory
// store for report, patch, and transcript artifacts.
type ArtifactStore struct {
	configStore ConfigStore
	log         *logger.Logger
}

// NewArtifactStore constructs a store scoped to configStore's session
// directories.
func NewArtifactStore(configStore ConfigStore, log *logger.Logger) *ArtifactStore {
	return &ArtifactStore{
		configStore: configStore,
		log:         log.WithFields(zap.String("component", "artifacts")),
	}
}

func sessionSubdir(sessionDir, kind, childTaskID string) string {
	return filepath.Join(sessionDir, kind, childTaskID)
}

func indexPath(sessionDir, kind string) string {
	return filepath.Join(sessionDir, kind, indexFile)
}

// readIndex reads a kind's index.json, tolerating a missing file
// (returns an empty index).
func readIndex[T any](path string) (map[string]T, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]T), nil
	}
	if err != nil {
		return nil, err
	}
	var wrapper ArtifactIndex[T]
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("unmarshal index %s: %w", path, err)
	}
	if wrapper.ArtifactsByChildTaskID == nil {
		wrapper.ArtifactsByChildTaskID = make(map[string]T)
	}
	return wrapper.ArtifactsByChildTaskID, nil
}

// writeIndex writes a kind's index.json under a read-modify-write
// discipline; callers are expected to hold the service mutex.
func writeIndex[T any](path string, entries map[string]T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ArtifactIndex[T]{ArtifactsByChildTaskID: entries}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// UpsertReport writes the report artifact into sessionDir's
// subagent-reports/<childTaskId>/report.md and merges it into the
// index. Idempotent on childTaskId.
func (s *ArtifactStore) UpsertReport(sessionDir string, artifact ReportArtifact) error {
	dir := sessionSubdir(sessionDir, reportsDir, artifact.ChildTaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, reportFile), []byte(artifact.ReportMarkdown), 0o644); err != nil {
		return err
	}

	idxPath := indexPath(sessionDir, reportsDir)
	entries, err := readIndex[ReportArtifact](idxPath)
	if err != nil {
		return err
	}
	entries[artifact.ChildTaskID] = artifact
	return writeIndex(idxPath, entries)
}

// PersistReportToAncestors upserts artifact into every ancestor
// workspace's session directory, fanning out with a bounded
// concurrency group. It returns once every ancestor has
// been written, or the first error encountered — callers must not
// resolve waiters or delivery until this returns.
func (s *ArtifactStore) PersistReportToAncestors(ctx context.Context, ancestorWorkspaceIDs []string, artifact ReportArtifact) error {
	var g errgroup.Group
	for _, ancestorID := range ancestorWorkspaceIDs {
		ancestorID := ancestorID
		g.Go(func() error {
			sessionDir, err := s.configStore.GetSessionDir(ctx, ancestorID)
			if err != nil {
				return fmt.Errorf("session dir for ancestor %s: %w", ancestorID, err)
			}
			perAncestor := artifact
			perAncestor.AncestorWorkspaceIDs = ancestorWorkspaceIDs
			if err := s.UpsertReport(sessionDir, perAncestor); err != nil {
				return fmt.Errorf("persist report to ancestor %s: %w", ancestorID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ReportedChildTaskIDs returns the child task ids with a report
// artifact recorded directly in sessionDir. Used when sessionDir's own
// workspace is about to be deleted, to find which descendant reports
// persisted on other ancestors still carry sessionDir's task id in
// their stored ancestor chain and need rewriting.
func (s *ArtifactStore) ReportedChildTaskIDs(sessionDir string) ([]string, error) {
	entries, err := readIndex[ReportArtifact](indexPath(sessionDir, reportsDir))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	return ids, nil
}

// RewriteAncestorsOnDeletion drops deletedID from the ancestor chain
// stored on each remaining ancestor's report artifacts for
// childTaskID, and moves newParentID to position 0.
func (s *ArtifactStore) RewriteAncestorsOnDeletion(sessionDir, childTaskID, deletedID, newParentID string) error {
	idxPath := indexPath(sessionDir, reportsDir)
	entries, err := readIndex[ReportArtifact](idxPath)
	if err != nil {
		return err
	}
	artifact, ok := entries[childTaskID]
	if !ok {
		return nil
	}

	rewritten := make([]string, 0, len(artifact.AncestorWorkspaceIDs)+1)
	rewritten = append(rewritten, newParentID)
	for _, id := range artifact.AncestorWorkspaceIDs {
		if id == deletedID || id == newParentID {
			continue
		}
		rewritten = append(rewritten, id)
	}
	artifact.AncestorWorkspaceIDs = rewritten
	artifact.UpdatedAtMs = nowMs()
	entries[childTaskID] = artifact
	return writeIndex(idxPath, entries)
}

// UpsertPatch records a patch artifact's status transition. Cleanup of
// a reported leaf is blocked while status stays "pending".
func (s *ArtifactStore) UpsertPatch(sessionDir string, artifact PatchArtifact) error {
	idxPath := indexPath(sessionDir, patchesDir)
	entries, err := readIndex[PatchArtifact](idxPath)
	if err != nil {
		return err
	}
	entries[artifact.ChildTaskID] = artifact
	return writeIndex(idxPath, entries)
}

// PatchStatus returns the recorded patch artifact status for
// childTaskID, defaulting to PatchReady (not blocking) when no patch
// artifact was ever recorded — a task whose completion tool doesn't
// produce a patch shouldn't be stuck waiting on one forever.
func (s *ArtifactStore) PatchStatus(sessionDir, childTaskID string) (PatchArtifactStatus, error) {
	entries, err := readIndex[PatchArtifact](indexPath(sessionDir, patchesDir))
	if err != nil {
		return "", err
	}
	artifact, ok := entries[childTaskID]
	if !ok {
		return PatchReady, nil
	}
	return artifact.Status, nil
}

// WritePatchFile writes mboxContents to
// <sessionDir>/subagent-patches/<childTaskId>/patch.mbox and returns
// its path, for the async patch-generation callback to record once
// generation succeeds.
func (s *ArtifactStore) WritePatchFile(sessionDir, childTaskID, mboxContents string) (string, error) {
	dir := sessionSubdir(sessionDir, patchesDir, childTaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "patch.mbox")
	if err := os.WriteFile(path, []byte(mboxContents), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// PatchSummary produces a human-readable unified diff summary of a
// patch artifact's mbox contents against an empty baseline, for
// logging/debug inspection — not used in any control-flow decision.
func PatchSummary(mboxContents string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain("", mboxContents, false)
	return dmp.DiffPrettyText(diffs)
}

// ArchiveTranscript copies chat.jsonl and partial.json from the
// child's session directory into
// <parentSessionDir>/subagent-transcripts/<childTaskId>/, best-effort
// (a missing source file is skipped, not an error).
func (s *ArtifactStore) ArchiveTranscript(childSessionDir, parentSessionDir, childTaskID string) (TranscriptArtifact, error) {
	dest := sessionSubdir(parentSessionDir, transcriptsDir, childTaskID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return TranscriptArtifact{}, err
	}

	artifact := TranscriptArtifact{ChildTaskID: childTaskID, CreatedAtMs: nowMs(), UpdatedAtMs: nowMs()}

	if ok, err := copyIfExists(filepath.Join(childSessionDir, chatFile), filepath.Join(dest, chatFile)); err != nil {
		s.log.Warn("failed to archive chat transcript", zap.String("task_id", childTaskID), zap.Error(err))
	} else if ok {
		artifact.ChatPath = filepath.Join(dest, chatFile)
	}

	if ok, err := copyIfExists(filepath.Join(childSessionDir, partialFile), filepath.Join(dest, partialFile)); err != nil {
		s.log.Warn("failed to archive partial transcript", zap.String("task_id", childTaskID), zap.Error(err))
	} else if ok {
		artifact.PartialPath = filepath.Join(dest, partialFile)
	}

	idxPath := indexPath(parentSessionDir, transcriptsDir)
	entries, err := readIndex[TranscriptArtifact](idxPath)
	if err != nil {
		return artifact, err
	}
	entries[childTaskID] = artifact
	return artifact, writeIndex(idxPath, entries)
}

// RollUpNested copies every nested subagent artifact (patch, report,
// transcript) recorded under childSessionDir into parentSessionDir,
// skipping any whose destination already exists, and otherwise
// merging indices by keeping the entry with the larger UpdatedAtMs
//. Idempotent: re-running it after a
// partial or complete prior run yields the same on-disk state.
func (s *ArtifactStore) RollUpNested(childSessionDir, parentSessionDir string) error {
	for _, kind := range []string{reportsDir, patchesDir, transcriptsDir} {
		if err := s.rollUpKind(childSessionDir, parentSessionDir, kind); err != nil {
			return fmt.Errorf("roll up %s: %w", kind, err)
		}
	}
	return nil
}

func (s *ArtifactStore) rollUpKind(childSessionDir, parentSessionDir, kind string) error {
	srcDir := filepath.Join(childSessionDir, kind)
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue // the kind's index.json itself; merged separately below
		}
		grandchildID := entry.Name()
		src := filepath.Join(srcDir, grandchildID)
		dst := filepath.Join(parentSessionDir, kind, grandchildID)

		if !isWithinBase(parentSessionDir, dst) {
			s.log.Warn("refusing artifact roll-up that would escape parent session directory",
				zap.String("src", src), zap.String("dst", dst))
			continue
		}
		if pathExists(dst) {
			continue // destination already rolled up
		}
		if err := copyDir(src, dst); err != nil {
			return err
		}
	}

	return s.mergeIndexByUpdatedAt(childSessionDir, parentSessionDir, kind)
}

// mergeIndexByUpdatedAt merges the per-kind index.json from
// childSessionDir into parentSessionDir's, retaining whichever side's
// entry has the larger UpdatedAtMs on conflict. Done generically over
// raw JSON since the three artifact kinds have different Go types.
func (s *ArtifactStore) mergeIndexByUpdatedAt(childSessionDir, parentSessionDir, kind string) error {
	childData, err := os.ReadFile(indexPath(childSessionDir, kind))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var childWrapper struct {
		ArtifactsByChildTaskID map[string]json.RawMessage `json:"artifactsByChildTaskId"`
	}
	if err := json.Unmarshal(childData, &childWrapper); err != nil {
		return fmt.Errorf("unmarshal child index: %w", err)
	}

	parentIdxPath := indexPath(parentSessionDir, kind)
	parentData, err := os.ReadFile(parentIdxPath)
	parentEntries := make(map[string]json.RawMessage)
	if err == nil {
		var parentWrapper struct {
			ArtifactsByChildTaskID map[string]json.RawMessage `json:"artifactsByChildTaskId"`
		}
		if err := json.Unmarshal(parentData, &parentWrapper); err == nil && parentWrapper.ArtifactsByChildTaskID != nil {
			parentEntries = parentWrapper.ArtifactsByChildTaskID
		}
	}

	for id, raw := range childWrapper.ArtifactsByChildTaskID {
		existing, ok := parentEntries[id]
		if !ok {
			parentEntries[id] = raw
			continue
		}
		if rawUpdatedAtMs(raw) > rawUpdatedAtMs(existing) {
			parentEntries[id] = raw
		}
	}

	if err := os.MkdirAll(filepath.Dir(parentIdxPath), 0o755); err != nil {
		return err
	}
	out, err := json.MarshalIndent(struct {
		ArtifactsByChildTaskID map[string]json.RawMessage `json:"artifactsByChildTaskId"`
	}{parentEntries}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(parentIdxPath, out, 0o644)
}

func rawUpdatedAtMs(raw json.RawMessage) int64 {
	var probe struct {
		UpdatedAtMs int64 `json:"updatedAtMs"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.UpdatedAtMs
}

// copyIfExists copies src to dst if src exists, returning (false, nil)
// when the source is simply missing.
func copyIfExists(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return false, err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return false, err
	}
	return true, nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if _, err := copyIfExists(path, target); err != nil {
			return err
		}
		return nil
	})
}

// isWithinBase reports whether target, once cleaned, is contained
// within base — the path-traversal guard artifact roll-up requires.
func isWithinBase(base, target string) bool {
	baseClean := filepath.Clean(base)
	targetClean := filepath.Clean(target)
	rel, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
