package agenttask

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/kandev/agenttask/internal/common/errors"
	v1 "github.com/kandev/agenttask/pkg/api/v1"
)

// TerminateDescendantAgentTask terminates one subtree: validates that
// taskId is a descendant of ancestorWorkspaceId, then removes the
// whole subtree leaves-first.
func (s *Service) TerminateDescendantAgentTask(ctx context.Context, req v1.TerminateDescendantRequest) (v1.TerminateResult, error) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()

	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return v1.TerminateResult{}, err
	}
	if idx.EntryOf(req.TaskID) == nil {
		return v1.TerminateResult{}, apperrors.NotFound("task", req.TaskID)
	}

	ancestors, err := idx.AncestorsOf(req.TaskID)
	if err != nil {
		return v1.TerminateResult{}, err
	}
	isDescendant := false
	for _, a := range ancestors {
		if a == req.AncestorWorkspaceID {
			isDescendant = true
			break
		}
	}
	if !isDescendant {
		return v1.TerminateResult{}, apperrors.NotDescendant(req.AncestorWorkspaceID, req.TaskID)
	}

	ids := append([]string{req.TaskID}, idx.DescendantsOf(req.TaskID)...)
	terminated, err := s.terminateIDsLocked(ctx, idx, ids, ErrTaskTerminated)
	if err != nil {
		return v1.TerminateResult{}, err
	}

	s.drainLocked(ctx)
	return v1.TerminateResult{TerminatedTaskIDs: terminated}, nil
}

// TerminateAllDescendantAgentTasks cascades termination across every
// descendant, used on hard interrupt: every descendant of
// workspaceId is removed and workspaceId is marked hard-interrupted so
// it won't auto-resume until a non-synthetic user message arrives.
func (s *Service) TerminateAllDescendantAgentTasks(ctx context.Context, workspaceID string) ([]string, error) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()

	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	descendants := idx.DescendantsOf(workspaceID)
	var terminated []string
	if len(descendants) > 0 {
		terminated, err = s.terminateIDsLocked(ctx, idx, descendants, ErrParentInterrupted)
		if err != nil {
			return nil, err
		}
	}

	s.markParentInterrupted(workspaceID)
	s.drainLocked(ctx)
	return terminated, nil
}

// terminateIDsLocked stops, rejects, and removes every id in ids,
// processed leaves-first (deepest first), assuming serviceMu is
// already held.
func (s *Service) terminateIDsLocked(ctx context.Context, idx *Index, ids []string, rejectErr error) ([]string, error) {
	ordered := sortIDsByDepthDescending(ids, idx)

	for _, id := range ordered {
		if err := s.aiGateway.StopStream(ctx, id, true); err != nil {
			s.log.Warn("terminate: failed to stop stream", zap.String("task_id", id), zap.Error(err))
		}
		s.waiters.RejectAll(id, rejectErr)
		s.scheduler.Dequeue(id)
		// RemoveWorkspace deletes the config entry, runtime filesystem,
		// and session directory together; no separate EditConfig needed.
		if err := s.configStore.RemoveWorkspace(ctx, id); err != nil {
			s.log.Error("terminate: failed to remove workspace", zap.String("task_id", id), zap.Error(err))
		}
		s.publisher.taskInterrupted(ctx, id)
	}

	return ordered, nil
}

// sortIDsByDepthDescending orders ids so the deepest (leaf-most) tasks
// come first, breaking ties on id for determinism.
func sortIDsByDepthDescending(ids []string, idx *Index) []string {
	type idDepth struct {
		id    string
		depth int
	}
	items := make([]idDepth, len(ids))
	for i, id := range ids {
		d, err := idx.DepthOf(id)
		if err != nil {
			d = 0
		}
		items[i] = idDepth{id: id, depth: d}
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && (items[j-1].depth < items[j].depth ||
			(items[j-1].depth == items[j].depth && items[j-1].id > items[j].id)); j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
	result := make([]string, len(items))
	for i, it := range items {
		result[i] = it.id
	}
	return result
}

// cleanupReportedLeaf implements "Cleanup reported leaf": recursively, bounded at MaxTaskDepth, removes a reported
// structural leaf whose patch artifact is no longer pending, then
// re-evaluates its former parent the same way.
func (s *Service) cleanupReportedLeaf(ctx context.Context, taskID string) error {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	return s.cleanupReportedLeafLocked(ctx, taskID, 0)
}

func (s *Service) cleanupReportedLeafLocked(ctx context.Context, taskID string, depth int) error {
	if depth >= MaxTaskDepth {
		return nil
	}

	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	entry := idx.EntryOf(taskID)
	if entry == nil {
		return nil // already cleaned up
	}
	if entry.Status != StatusReported || !entry.IsStructuralLeaf(idx) {
		return nil
	}
	if streaming, err := s.aiGateway.IsStreaming(ctx, taskID); err != nil || streaming {
		return nil
	}

	parentID := entry.ParentWorkspaceID
	parentSessionDir, err := s.configStore.GetSessionDir(ctx, parentID)
	if err != nil {
		s.log.Warn("cleanup: failed to resolve parent session dir", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}

	if status, err := s.artifacts.PatchStatus(parentSessionDir, taskID); err == nil && status == PatchPending {
		return nil
	}

	if childSessionDir, err := s.configStore.GetSessionDir(ctx, taskID); err == nil {
		s.rewriteAncestorChainsOnDeletion(ctx, idx, childSessionDir, taskID, parentID)

		if _, err := s.artifacts.ArchiveTranscript(childSessionDir, parentSessionDir, taskID); err != nil {
			s.log.Warn("cleanup: failed to archive transcript", zap.String("task_id", taskID), zap.Error(err))
		}
		if err := s.artifacts.RollUpNested(childSessionDir, parentSessionDir); err != nil {
			s.log.Warn("cleanup: failed to roll up nested artifacts", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	if err := s.configStore.RemoveWorkspace(ctx, taskID); err != nil {
		s.log.Error("cleanup: failed to remove workspace", zap.String("task_id", taskID), zap.Error(err))
		return err
	}

	if idx.EntryOf(parentID) == nil {
		return nil // parent is a non-task root; nothing further to re-evaluate
	}
	return s.cleanupReportedLeafLocked(ctx, parentID, depth+1)
}

// rewriteAncestorChainsOnDeletion finds every descendant report that
// childSessionDir (deletedID's own session directory) still holds, and
// rewrites that report's stored ancestor chain on every ancestor above
// deletedID so it drops deletedID and reattaches through newParentID.
// Without this, isDescendantAgentTask on those reports would keep
// referencing an ancestor id that no longer exists once deletedID's
// workspace is removed.
func (s *Service) rewriteAncestorChainsOnDeletion(ctx context.Context, idx *Index, childSessionDir, deletedID, newParentID string) {
	reportedChildIDs, err := s.artifacts.ReportedChildTaskIDs(childSessionDir)
	if err != nil || len(reportedChildIDs) == 0 {
		return
	}

	ancestorsOfNewParent, err := idx.AncestorsOf(newParentID)
	if err != nil {
		s.log.Warn("cleanup: failed to resolve remaining ancestor chain", zap.String("task_id", deletedID), zap.Error(err))
		return
	}
	remainingAncestors := append([]string{newParentID}, ancestorsOfNewParent...)

	for _, ancestorID := range remainingAncestors {
		ancestorSessionDir, err := s.configStore.GetSessionDir(ctx, ancestorID)
		if err != nil {
			continue
		}
		for _, childID := range reportedChildIDs {
			if err := s.artifacts.RewriteAncestorsOnDeletion(ancestorSessionDir, childID, deletedID, newParentID); err != nil {
				s.log.Warn("cleanup: failed to rewrite ancestor chain",
					zap.String("task_id", deletedID), zap.String("child_task_id", childID), zap.Error(err))
			}
		}
	}
}

// Initialize implements the `initialize` façade operation: drains the admission queue, then walks
// every persisted entry applying the appropriate best-effort recovery
// nudge for its status. Any single entry's failure is logged and never
// blocks recovery of the others.
func (s *Service) Initialize(ctx context.Context) error {
	s.serviceMu.Lock()
	s.drainLocked(ctx)
	s.serviceMu.Unlock()

	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}

	for _, entry := range idx.AllEntries() {
		switch entry.Status {
		case StatusAwaitingReport:
			s.recoverAwaitingReport(ctx, entry, idx)
		case StatusRunning:
			s.recoverRunning(ctx, entry, idx)
		case StatusReported:
			s.kickoffPatchGeneration(entry)
			if err := s.cleanupReportedLeaf(ctx, entry.TaskID); err != nil {
				s.log.Error("restart recovery: leaf cleanup attempt failed", zap.String("task_id", entry.TaskID), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Service) recoverAwaitingReport(ctx context.Context, entry *Entry, idx *Index) {
	if idx.HasActiveDescendant(entry.TaskID) {
		return
	}
	s.markReminded(entry.TaskID)

	toolName := v1.ToolNameAgentReport
	if IsPlanLike(entry.AgentID) {
		toolName = v1.ToolNameProposePlan
	}
	message := fmt.Sprintf("Your turn ended without calling the required completion tool. Call %s now to report your result.", toolName)

	if err := s.workspaceService.SendMessage(ctx, entry.TaskID, message, AIOptions{
		ModelString:   entry.TaskModelString,
		ThinkingLevel: entry.TaskThinkingLevel,
	}, SendMessageOptions{Synthetic: true}); err != nil {
		s.log.Error("restart recovery: reminder send failed, performing fallback report",
			zap.String("task_id", entry.TaskID), zap.Error(err))
		idxNow, _, lerr := s.loadIndex(ctx)
		if lerr != nil {
			return
		}
		if ferr := s.fallbackReport(ctx, idxNow, entry); ferr != nil {
			s.log.Error("restart recovery: fallback report failed", zap.String("task_id", entry.TaskID), zap.Error(ferr))
			return
		}
		if err := s.cleanupReportedLeaf(ctx, entry.TaskID); err != nil {
			s.log.Error("restart recovery: leaf cleanup after fallback report failed", zap.String("task_id", entry.TaskID), zap.Error(err))
		}
	}
}

func (s *Service) recoverRunning(ctx context.Context, entry *Entry, idx *Index) {
	if idx.HasActiveDescendant(entry.TaskID) {
		return
	}
	message := "The engine restarted. Resume your task and call the required completion tool when finished."
	if err := s.workspaceService.SendMessage(ctx, entry.TaskID, message, AIOptions{
		ModelString:   entry.TaskModelString,
		ThinkingLevel: entry.TaskThinkingLevel,
	}, SendMessageOptions{Synthetic: true}); err != nil {
		s.log.Error("restart recovery: restart nudge failed", zap.String("task_id", entry.TaskID), zap.Error(err))
	}
}
