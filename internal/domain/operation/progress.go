package operation

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/domain/document"
)

// BuildProgress assembles the status and progress tree for a document:
// operations at the top, steps below, pages at the leaves. For each operation
// type only the latest instance counts; superseded attempts are history.
func (s *Service) BuildProgress(ctx context.Context, documentID uuid.UUID) (*document.ProgressNode, error) {
	instances, err := s.repo.ListInstancesByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list instances for document %s: %w", documentID, err)
	}

	latest := make(map[string]*Instance)
	for _, inst := range instances {
		cur, ok := latest[inst.OperationType]
		if !ok || inst.CreatedAt.After(cur.CreatedAt) {
			latest[inst.OperationType] = inst
		}
	}

	root := &document.ProgressNode{Name: "document"}
	types := make([]string, 0, len(latest))
	for t := range latest {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		inst := latest[t]
		opNode, err := s.instanceProgress(ctx, inst)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, opNode)
	}

	root.Resolve()
	return root, nil
}

func (s *Service) instanceProgress(ctx context.Context, inst *Instance) (*document.ProgressNode, error) {
	logs, err := s.repo.ListLogsByInstance(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list logs for instance %s: %w", inst.ID, err)
	}

	type cell struct {
		step string
		page int
	}
	// Later logs win per leaf; a COMPLETED leaf stays completed.
	leafStatus := make(map[cell]document.Status)
	for _, l := range logs {
		key := cell{l.StepID, l.PageNumber}
		if leafStatus[key] == document.StatusCompleted {
			continue
		}
		leafStatus[key] = l.Status
	}

	pages := inst.PageCount
	if pages < 1 {
		pages = 1
	}

	node := &document.ProgressNode{Name: inst.OperationType}
	for _, step := range inst.Steps {
		stepNode := &document.ProgressNode{Name: step}
		for page := 1; page <= pages; page++ {
			status, ok := leafStatus[cell{step, page}]
			if !ok {
				if inst.Status == document.StatusQueued {
					status = document.StatusQueued
				} else {
					status = document.StatusNotStarted
				}
			}
			stepNode.Children = append(stepNode.Children, &document.ProgressNode{
				Name:   fmt.Sprintf("page-%d", page),
				Status: status,
			})
		}
		node.Children = append(node.Children, stepNode)
	}
	return node, nil
}
