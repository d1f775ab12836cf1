package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	"github.com/yungbote/catalogbridge-backend/internal/modules"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
)

// ResolverNode is one pipeline as the resolver sees it: the attribute code it
// produces and the attribute codes its source module consumes.
type ResolverNode struct {
	PipelineID uuid.UUID
	OutputCode string
	InputCodes []string
	CreatedAt  time.Time
}

// OrderPipelines returns the nodes in an execution order where every producer
// of a consumed attribute runs before its consumer. The order is stable:
// independent pipelines keep their creation order. A dependency cycle is a
// configuration error naming the attribute codes involved.
func OrderPipelines(nodes []ResolverNode) ([]ResolverNode, error) {
	byOutput := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byOutput[n.OutputCode] = i
	}

	// Deterministic visit order: creation time, then id as tiebreaker.
	order := make([]int, len(nodes))
	for i := range nodes {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		na, nb := nodes[order[a]], nodes[order[b]]
		if !na.CreatedAt.Equal(nb.CreatedAt) {
			return na.CreatedAt.Before(nb.CreatedAt)
		}
		return na.PipelineID.String() < nb.PipelineID.String()
	})

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make([]int, len(nodes))
	out := make([]ResolverNode, 0, len(nodes))
	var stack []string

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			cycle := append(append([]string{}, stack...), nodes[i].OutputCode)
			start := 0
			for j, code := range cycle[:len(cycle)-1] {
				if code == nodes[i].OutputCode {
					start = j
					break
				}
			}
			return fmt.Errorf("%w: pipeline dependency cycle: %s",
				pkgerrors.ErrInvalidConfig, strings.Join(cycle[start:], " -> "))
		}
		state[i] = visiting
		stack = append(stack, nodes[i].OutputCode)
		for _, code := range nodes[i].InputCodes {
			dep, ok := byOutput[code]
			if !ok || dep == i {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		out = append(out, nodes[i])
		return nil
	}

	for _, i := range order {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadResolverNodes builds resolver input for all pipelines of an entity
// kind: the target attribute code from the pipeline's attribute def and the
// input codes from its source module settings.
func LoadResolverNodes(dbc dbctx.Context, kind string, pipelines repos.PipelineRepo, pipelineModules repos.PipelineModuleRepo, defs repos.AttributeDefRepo) ([]ResolverNode, error) {
	rows, err := pipelines.ListByKind(dbc, kind)
	if err != nil {
		return nil, err
	}
	nodes := make([]ResolverNode, 0, len(rows))
	for _, p := range rows {
		def, err := defs.GetByID(dbc, p.AttributeID)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: target attribute: %w", p.ID, err)
		}
		mods, err := pipelineModules.ListByPipeline(dbc, p.ID)
		if err != nil {
			return nil, err
		}
		node := ResolverNode{
			PipelineID: p.ID,
			OutputCode: def.Code,
			CreatedAt:  p.CreatedAt,
		}
		for _, m := range mods {
			if m.ModuleType != modules.TypeAttributeSource {
				continue
			}
			var s modules.AttributeSourceSettings
			if err := json.Unmarshal(m.Settings, &s); err != nil {
				return nil, fmt.Errorf("pipeline %s: source settings: %w", p.ID, err)
			}
			node.InputCodes = append(node.InputCodes, s.Attributes...)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
