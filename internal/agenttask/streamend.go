package agenttask

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	v1 "github.com/kandev/agenttask/pkg/api/v1"
)

// HandleStreamEnd is the Stream-End Handler entry point:
// every call is routed through the per-workspace FIFO mutex so that two
// stream-end events for the same workspace are never processed
// concurrently, while unrelated workspaces never contend.
func (s *Service) HandleStreamEnd(ctx context.Context, payload StreamEndPayload) error {
	return s.mutexMap.WithLock(payload.WorkspaceID, func() error {
		idx, _, err := s.loadIndex(ctx)
		if err != nil {
			return err
		}
		entry := idx.EntryOf(payload.WorkspaceID)
		if entry == nil {
			return s.handleRootStreamEnd(ctx, idx, payload)
		}
		return s.handleTaskStreamEnd(ctx, idx, entry, payload)
	})
}

// handleRootStreamEnd implements Case A: the workspace has no task
// entry of its own, so the only question is whether to nudge it to
// wait on outstanding sub-agent tasks.
func (s *Service) handleRootStreamEnd(ctx context.Context, idx *Index, payload StreamEndPayload) error {
	if !idx.HasActiveDescendant(payload.WorkspaceID) {
		return nil
	}
	s.autoResumeIfEligible(ctx, idx, payload.WorkspaceID, payload.Metadata.AgentID)
	return nil
}

// handleTaskStreamEnd implements Case B.
func (s *Service) handleTaskStreamEnd(ctx context.Context, idx *Index, entry *Entry, payload StreamEndPayload) error {
	if entry.Status == StatusReported {
		return s.cleanupReportedLeaf(ctx, entry.TaskID)
	}

	planLike := IsPlanLike(entry.AgentID)

	if idx.HasActiveDescendant(entry.TaskID) {
		if entry.Status == StatusAwaitingReport {
			return s.setStatus(ctx, entry, StatusRunning)
		}
		return nil
	}

	if part, ok := scanPartsReverse(payload.Parts, matchesSuccessfulTool(v1.ToolNameAgentReport)); ok {
		if args, ok := agentReportArgsFromPart(part); ok {
			if err := s.finalizeReport(ctx, idx, entry, args); err != nil {
				return err
			}
			return s.cleanupReportedLeaf(ctx, entry.TaskID)
		}
	}

	if planLike {
		if part, ok := scanPartsReverse(payload.Parts, matchesSuccessfulTool(v1.ToolNameProposePlan)); ok {
			if planPath, ok := planPathFromPart(part); ok {
				return s.planAutoHandoff(ctx, entry, planPath)
			}
		}
	}

	if entry.Status == StatusAwaitingReport && s.wasReminded(entry.TaskID) {
		if err := s.fallbackReport(ctx, idx, entry); err != nil {
			return err
		}
		return s.cleanupReportedLeaf(ctx, entry.TaskID)
	}

	return s.transitionToAwaitingReport(ctx, entry, planLike)
}

// --- tool-part scanning helpers ---

func scanPartsReverse(parts []v1.ToolPart, match func(v1.ToolPart) bool) (v1.ToolPart, bool) {
	for i := len(parts) - 1; i >= 0; i-- {
		if match(parts[i]) {
			return parts[i], true
		}
	}
	return v1.ToolPart{}, false
}

func matchesSuccessfulTool(toolName string) func(v1.ToolPart) bool {
	return func(p v1.ToolPart) bool {
		return p.ToolName == toolName &&
			p.State == v1.ToolPartStateOutputAvailable &&
			p.Output != nil && p.Output.Success
	}
}

func agentReportArgsFromPart(part v1.ToolPart) (v1.AgentReportArgs, bool) {
	if part.Input == nil {
		return v1.AgentReportArgs{}, false
	}
	markdown, _ := part.Input["reportMarkdown"].(string)
	if markdown == "" {
		return v1.AgentReportArgs{}, false
	}
	title, _ := part.Input["title"].(string)
	return v1.AgentReportArgs{ReportMarkdown: markdown, Title: title}, true
}

func planPathFromPart(part v1.ToolPart) (string, bool) {
	if part.Output != nil && part.Output.Extra != nil {
		if p, ok := part.Output.Extra["planPath"].(string); ok && p != "" {
			return p, true
		}
	}
	if part.Input != nil {
		if p, ok := part.Input["planPath"].(string); ok && p != "" {
			return p, true
		}
	}
	return "", false
}

func findPendingTaskPart(parts []v1.ToolPart, childTaskID string) (int, bool) {
	found := -1
	matches := 0
	for i, p := range parts {
		if p.ToolName == v1.ToolNameTask && p.State == v1.ToolPartStateInputAvailable && p.ToolCallID == childTaskID {
			matches++
			found = i
		}
	}
	if matches != 1 {
		return -1, false
	}
	return found, true
}

// --- 4.7.1 Finalize report ---

func (s *Service) finalizeReport(ctx context.Context, idx *Index, entry *Entry, args v1.AgentReportArgs) error {
	if entry.Status == StatusReported {
		return nil
	}

	now := time.Now().UTC()
	entry.Status = StatusReported
	entry.ReportedAt = &now
	if err := s.configStore.EditConfig(ctx, func(c *Config) error {
		c.Entries[entry.TaskID] = entry
		return nil
	}); err != nil {
		return err
	}
	s.workspaceService.EmitMetadata(ctx, entry.TaskID, map[string]any{
		"status":     string(StatusReported),
		"reportedAt": now,
	})
	// The stream is left to end naturally (not aborted) so the gateway
	// records usage accounting for the full turn.

	ancestors, err := idx.AncestorsOf(entry.TaskID)
	if err != nil {
		s.log.Error("failed to compute ancestors for finalize", zap.String("task_id", entry.TaskID), zap.Error(err))
		ancestors = nil
	}

	title := args.Title
	if title == "" {
		title = entry.Title
	}
	artifact := ReportArtifact{
		ChildTaskID:          entry.TaskID,
		ParentWorkspaceID:    entry.ParentWorkspaceID,
		AncestorWorkspaceIDs: ancestors,
		ReportMarkdown:       args.ReportMarkdown,
		Title:                title,
		Model:                entry.TaskModelString,
		ThinkingLevel:        entry.TaskThinkingLevel,
		CreatedAtMs:          nowMs(),
		UpdatedAtMs:          nowMs(),
	}

	// Persist to every ancestor's session directory before resolving
	// waiters or delivering to the parent: a waiter must never observe
	// a report that isn't yet durable in every ancestor. A persist failure is logged and does not block
	// delivery — finalize is a background operation per the
	// propagation policy, and status is already committed to reported.
	if err := s.artifacts.PersistReportToAncestors(ctx, ancestors, artifact); err != nil {
		s.log.Error("failed to persist report to one or more ancestors",
			zap.String("task_id", entry.TaskID), zap.Error(err))
	}

	s.kickoffPatchGeneration(entry)

	if err := s.deliverReportToParent(ctx, entry, args, title); err != nil {
		s.log.Error("failed to deliver report to parent", zap.String("task_id", entry.TaskID), zap.Error(err))
	}

	s.waiters.ResolveAll(entry.TaskID, v1.AgentReport{ReportMarkdown: args.ReportMarkdown, Title: title}, ancestors)
	s.publisher.taskReported(ctx, entry.TaskID, ancestors)

	s.maybeStartQueuedTasks(ctx)

	idxAfter, _, err := s.loadIndex(ctx)
	if err != nil {
		s.log.Error("failed to reload index for auto-resume check", zap.Error(err))
		return nil
	}
	if !idxAfter.HasActiveDescendant(entry.ParentWorkspaceID) {
		s.autoResumeIfEligible(ctx, idxAfter, entry.ParentWorkspaceID, "")
	}
	return nil
}

func (s *Service) deliverReportToParent(ctx context.Context, entry *Entry, args v1.AgentReportArgs, title string) error {
	parentID := entry.ParentWorkspaceID

	streaming, err := s.aiGateway.IsStreaming(ctx, parentID)
	if err == nil && !streaming {
		partial, perr := s.historyStore.ReadPartial(ctx, parentID)
		if perr == nil && partial != nil {
			if i, ok := findPendingTaskPart(partial.Parts, entry.TaskID); ok {
				partial.Parts[i].State = v1.ToolPartStateOutputAvailable
				partial.Parts[i].Output = &v1.ToolOutput{
					Success: true,
					Extra: map[string]any{
						"reportMarkdown": args.ReportMarkdown,
						"title":          title,
					},
				}
				if werr := s.historyStore.WritePartial(ctx, parentID, partial); werr != nil {
					return fmt.Errorf("persist fulfilled task part: %w", werr)
				}
				s.workspaceService.EmitMetadata(ctx, parentID, map[string]any{
					"event":      "tool-call-end",
					"toolCallId": partial.Parts[i].ToolCallID,
				})
				return nil
			}
		}
	}

	if s.waiters.HasWaiters(entry.TaskID) {
		return nil
	}

	envelope := buildSubagentReportEnvelope(entry, title, args.ReportMarkdown)
	return s.workspaceService.SendMessage(ctx, parentID, envelope, AIOptions{}, SendMessageOptions{
		Synthetic:            true,
		AllowQueuedAgentTask: true,
	})
}

func buildSubagentReportEnvelope(entry *Entry, title, reportMarkdown string) string {
	return fmt.Sprintf(
		"<mux_subagent_report>\n<task_id>%s</task_id>\n<agent_type>%s</agent_type>\n<title>%s</title>\n<report_markdown>\n%s\n</report_markdown>\n</mux_subagent_report>",
		entry.TaskID, entry.AgentType, title, reportMarkdown,
	)
}

// --- fallback report ---

func (s *Service) fallbackReport(ctx context.Context, idx *Index, entry *Entry) error {
	text := s.lastAssistantOrPartialText(ctx, entry.TaskID)
	args := v1.AgentReportArgs{
		ReportMarkdown: fmt.Sprintf("*(Note: generated as a fallback — the sub-agent ended its turn without calling the required completion tool.)*\n\n%s", text),
		Title:          fmt.Sprintf("Subagent (%s) report (fallback)", entry.AgentType),
	}
	return s.finalizeReport(ctx, idx, entry, args)
}

func (s *Service) lastAssistantOrPartialText(ctx context.Context, workspaceID string) string {
	if msgs, err := s.historyStore.GetLastMessages(ctx, workspaceID, 1); err == nil && len(msgs) > 0 && msgs[0].Role == "assistant" {
		if msgs[0].Text != "" {
			return msgs[0].Text
		}
	}
	if partial, err := s.historyStore.ReadPartial(ctx, workspaceID); err == nil && partial != nil {
		return partial.Text
	}
	return ""
}

// --- remind / awaiting-report transition ---

func (s *Service) transitionToAwaitingReport(ctx context.Context, entry *Entry, planLike bool) error {
	if err := s.setStatus(ctx, entry, StatusAwaitingReport); err != nil {
		return err
	}
	s.markReminded(entry.TaskID)

	toolName := v1.ToolNameAgentReport
	if planLike {
		toolName = v1.ToolNameProposePlan
	}
	message := fmt.Sprintf("Your turn ended without calling the required completion tool. Call %s now to report your result.", toolName)

	if err := s.workspaceService.SendMessage(ctx, entry.TaskID, message, AIOptions{
		ModelString:   entry.TaskModelString,
		ThinkingLevel: entry.TaskThinkingLevel,
	}, SendMessageOptions{Synthetic: true}); err != nil {
		s.log.Error("failed to send completion-tool reminder", zap.String("task_id", entry.TaskID), zap.Error(err))
	}
	return nil
}

func (s *Service) setStatus(ctx context.Context, entry *Entry, newStatus TaskStatus) error {
	from := entry.Status
	entry.Status = newStatus
	if err := s.configStore.EditConfig(ctx, func(c *Config) error {
		c.Entries[entry.TaskID] = entry
		return nil
	}); err != nil {
		entry.Status = from
		return err
	}
	s.publisher.statusChanged(ctx, entry.TaskID, from, newStatus)
	return nil
}

// --- sticky reminded/interrupt/auto-resume bookkeeping ---

func (s *Service) markReminded(taskID string) {
	s.stickyMu.Lock()
	defer s.stickyMu.Unlock()
	s.remindedAwaitingReport[taskID] = true
}

func (s *Service) wasReminded(taskID string) bool {
	s.stickyMu.Lock()
	defer s.stickyMu.Unlock()
	return s.remindedAwaitingReport[taskID]
}

func (s *Service) isHardInterrupted(workspaceID string) bool {
	s.stickyMu.Lock()
	defer s.stickyMu.Unlock()
	return s.interruptedWorkspaceIDs[workspaceID]
}

// markParentInterrupted sets the sticky hard-interrupt flag.
func (s *Service) markParentInterrupted(workspaceID string) {
	s.stickyMu.Lock()
	defer s.stickyMu.Unlock()
	s.interruptedWorkspaceIDs[workspaceID] = true
}

// NotifyNonSyntheticMessage clears workspaceID's hard-interrupt flag
// and resets its consecutive-auto-resume counter — the arrival of a
// genuine user message is what ends a hard-interrupt's suppression of
// auto-resume. The caller (the chat-send path, outside this engine)
// invokes this whenever a real, non-synthetic user message is sent.
func (s *Service) NotifyNonSyntheticMessage(workspaceID string) {
	s.stickyMu.Lock()
	defer s.stickyMu.Unlock()
	delete(s.interruptedWorkspaceIDs, workspaceID)
	delete(s.consecutiveAutoResumes, workspaceID)
}

// autoResumeIfEligible sends the synthetic "wait on outstanding
// sub-agent tasks" nudge (workspaceID still has active descendants,
// Case A) or the "integrate results" nudge (none remain, finalize
// step) to workspaceID, subject to flood protection.
func (s *Service) autoResumeIfEligible(ctx context.Context, idx *Index, workspaceID string, eventAgentID string) {
	if workspaceID == "" {
		return
	}
	if streaming, err := s.aiGateway.IsStreaming(ctx, workspaceID); err != nil || streaming {
		return
	}
	if s.isHardInterrupted(workspaceID) {
		return
	}

	s.stickyMu.Lock()
	count := s.consecutiveAutoResumes[workspaceID]
	if count >= s.cfg.ConsecutiveAutoResumeLimit {
		s.stickyMu.Unlock()
		s.log.Warn("auto-resume flood protection tripped", zap.String("workspace_id", workspaceID), zap.Int("count", count))
		s.publisher.floodProtected(ctx, workspaceID, count)
		return
	}
	s.consecutiveAutoResumes[workspaceID] = count + 1
	s.stickyMu.Unlock()

	agentID, aiOpts, _ := s.resolveAgentAndModel(ctx, workspaceID, eventAgentID)
	message := fmt.Sprintf("Outstanding sub-agent tasks have completed or none remain. Use task_await to collect any pending reports and integrate the results as the %s agent before continuing.", agentID)
	if idx.HasActiveDescendant(workspaceID) {
		message = fmt.Sprintf("Sub-agent tasks are still running. Use task_await to wait for their reports and integrate the results as the %s agent before continuing.", agentID)
	}

	if err := s.workspaceService.SendMessage(ctx, workspaceID, message, aiOpts, SendMessageOptions{
		Synthetic:            true,
		SkipAutoResumeReset:  true,
		AllowQueuedAgentTask: true,
	}); err != nil {
		s.log.Error("failed to send auto-resume message", zap.String("workspace_id", workspaceID), zap.Error(err))
		return
	}
	s.publisher.parentAutoResumed(ctx, workspaceID)
}

// resolveAgentAndModel implements the agent-attribution precedence
// chain: event metadata → last assistant message's agentId → workspace
// AI settings → fallback "exec".
func (s *Service) resolveAgentAndModel(ctx context.Context, workspaceID, eventAgentID string) (v1.AgentID, AIOptions, error) {
	var lastAssistantAgentID v1.AgentID
	if msgs, err := s.historyStore.GetLastMessages(ctx, workspaceID, 1); err == nil && len(msgs) > 0 && msgs[0].Role == "assistant" {
		lastAssistantAgentID = msgs[0].AgentID
	}

	var workspaceAgentID v1.AgentID
	var opts AIOptions
	if info, err := s.workspaceService.GetInfo(ctx, workspaceID); err == nil && info != nil {
		workspaceAgentID = info.AgentID
		opts = AIOptions{ModelString: info.ModelString, ThinkingLevel: info.ThinkingLevel}
	}

	return AgentPrecedence(eventAgentID, lastAssistantAgentID, workspaceAgentID), opts, nil
}

// --- async patch generation ---

func (s *Service) kickoffPatchGeneration(entry *Entry) {
	if s.patchGen == nil {
		return
	}
	taskID := entry.TaskID
	parentWorkspaceID := entry.ParentWorkspaceID

	go func() {
		ctx, cancel := s.detachedBackground(2 * time.Minute)
		defer cancel()

		sessionDir, err := s.configStore.GetSessionDir(ctx, parentWorkspaceID)
		if err != nil {
			s.log.Error("patch generation: failed to resolve parent session dir", zap.String("task_id", taskID), zap.Error(err))
			return
		}

		createdAt := nowMs()
		pending := PatchArtifact{ChildTaskID: taskID, Status: PatchPending, CreatedAtMs: createdAt, UpdatedAtMs: createdAt}
		if err := s.artifacts.UpsertPatch(sessionDir, pending); err != nil {
			s.log.Error("patch generation: failed to record pending artifact", zap.String("task_id", taskID), zap.Error(err))
			return
		}

		mbox, genErr := s.patchGen.GeneratePatch(ctx, taskID)
		final := PatchArtifact{ChildTaskID: taskID, Status: PatchReady, CreatedAtMs: createdAt, UpdatedAtMs: nowMs()}
		if genErr != nil {
			s.log.Error("patch generation failed", zap.String("task_id", taskID), zap.Error(genErr))
			final.Status = PatchFailed
		} else {
			path, werr := s.artifacts.WritePatchFile(sessionDir, taskID, mbox)
			if werr != nil {
				s.log.Error("patch generation: failed to write mbox file", zap.String("task_id", taskID), zap.Error(werr))
				final.Status = PatchFailed
			} else {
				final.MboxPath = path
			}
		}

		if err := s.artifacts.UpsertPatch(sessionDir, final); err != nil {
			s.log.Error("patch generation: failed to record final artifact", zap.String("task_id", taskID), zap.Error(err))
			return
		}

		if final.Status == PatchReady {
			_ = s.cleanupReportedLeaf(ctx, taskID)
		}
	}()
}

// --- 4.7.2 Plan auto-handoff ---

func (s *Service) planAutoHandoff(ctx context.Context, entry *Entry, planPath string) error {
	s.stickyMu.Lock()
	if s.handoffInProgress[entry.TaskID] {
		s.stickyMu.Unlock()
		return nil
	}
	s.handoffInProgress[entry.TaskID] = true
	s.stickyMu.Unlock()
	defer func() {
		s.stickyMu.Lock()
		delete(s.handoffInProgress, entry.TaskID)
		s.stickyMu.Unlock()
	}()

	planContents, err := readPlanFile(entry, planPath)
	if err != nil {
		s.log.Error("plan auto-handoff: failed to read plan file", zap.String("task_id", entry.TaskID), zap.Error(err))
		return err
	}

	target, terr := s.resolvePlanRoutingTarget(ctx, entry, planContents)
	if terr != nil {
		s.log.Warn("plan auto-handoff: classifier failed, falling back to exec", zap.String("task_id", entry.TaskID), zap.Error(terr))
	}

	summary := fmt.Sprintf("Plan proposed by the %s agent:\n\n%s", entry.AgentType, planContents)
	if err := s.workspaceService.ReplaceHistory(ctx, entry.TaskID, summary, "user"); err != nil {
		s.log.Error("plan auto-handoff: failed to compact history", zap.String("task_id", entry.TaskID), zap.Error(err))
		return err
	}

	modelString, thinkingLevel := entry.TaskModelString, entry.TaskThinkingLevel
	if modelString == "" {
		if info, err := s.workspaceService.GetInfo(ctx, entry.TaskID); err == nil && info != nil {
			modelString, thinkingLevel = info.ModelString, info.ThinkingLevel
		}
	}

	entry.AgentID = target
	entry.AgentType = target
	entry.TaskModelString = modelString
	entry.TaskThinkingLevel = thinkingLevel
	if err := s.setStatus(ctx, entry, StatusRunning); err != nil {
		return err
	}

	if err := s.workspaceService.SendMessage(ctx, entry.TaskID, "Implement the plan.", AIOptions{
		ModelString:   modelString,
		ThinkingLevel: thinkingLevel,
	}, SendMessageOptions{Synthetic: true}); err != nil {
		s.log.Error("plan auto-handoff: kickoff send failed, leaving status running for restart recovery",
			zap.String("task_id", entry.TaskID), zap.Error(err))
	}
	return nil
}

func (s *Service) resolvePlanRoutingTarget(ctx context.Context, entry *Entry, planContents string) (v1.AgentID, error) {
	routing := v1.PlanRouting(s.cfg.PlanRouting)
	if !s.cfg.OrchestratorEnabled && routing != v1.PlanRoutingExec {
		routing = v1.PlanRoutingExec
	}

	switch routing {
	case v1.PlanRoutingOrchestrator:
		return v1.AgentIDOrchestrator, nil
	case v1.PlanRoutingAuto:
		if s.classifier == nil {
			return v1.AgentIDExec, nil
		}
		s.workspaceService.EmitMetadata(ctx, entry.TaskID, map[string]any{"agentStatus": "classifying plan target"})
		picked, err := s.classifier.ClassifyPlanTarget(ctx, planContents)
		if err != nil {
			return v1.AgentIDExec, err
		}
		if picked == v1.PlanRoutingOrchestrator {
			return v1.AgentIDOrchestrator, nil
		}
		return v1.AgentIDExec, nil
	default:
		return v1.AgentIDExec, nil
	}
}

func readPlanFile(entry *Entry, planPath string) (string, error) {
	full := planPath
	if !filepath.IsAbs(planPath) {
		full = filepath.Join(entry.WorkspacePath, planPath)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
