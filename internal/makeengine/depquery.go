package makeengine

import (
	"context"

	"github.com/tracemake/tracemake/internal/autodep"
	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/gather"
	"github.com/tracemake/tracemake/internal/recstore"
)

// depQueryHandler wraps one job's Gather so its autodep connection can
// answer the two synchronous query kinds (spec.md §4.E/§6 DepCrcs,
// ChkDeps) from the engine's live node store; Gather.Handle on its own only
// observes fire-and-forget reports and returns a zero Message for these.
type depQueryHandler struct {
	*gather.Gather
	engine *Engine
}

// Handle intercepts DepCrcs/ChkDeps and falls through to Gather for every
// other kind.
func (h *depQueryHandler) Handle(ctx context.Context, m autodep.Message) autodep.Message {
	switch m.Kind {
	case autodep.KindDepCrcs:
		return h.handleDepCrcs(m)
	case autodep.KindChkDeps:
		return h.handleChkDeps(m)
	default:
		return h.Gather.Handle(ctx, m)
	}
}

// handleDepCrcs answers a job's synchronous request for the current CRC of
// each named path, in the same order as m.Files; an entry is the empty
// string when the node's content hash is not yet known.
func (h *depQueryHandler) handleDepCrcs(m autodep.Message) autodep.Message {
	crcs := make([]string, len(m.Files))
	for i, f := range m.Files {
		node := h.engine.Names.InternNode(f.Path)
		rec, _ := h.engine.Nodes.Get(node)
		if rec.CRC.Kind() == crc.Value {
			crcs[i] = rec.CRC.Hash()
		}
	}
	return autodep.Message{CRCs: crcs}
}

// handleChkDeps answers a job's synchronous request for whether the listed
// paths are currently known-ok to depend on: Yes if every one is a resolved
// source or carries a known CRC, No if any is statically known unbuildable,
// Maybe if any is still unanalyzed this session (spec.md §4.H speculate
// semantics — the job must treat Maybe as "previous deps in error, likely
// will not need to run").
func (h *depQueryHandler) handleChkDeps(m autodep.Message) autodep.Message {
	status := autodep.ChkDepsYes
	for _, f := range m.Files {
		node := h.engine.Names.InternNode(f.Path)
		rec, _ := h.engine.Nodes.Get(node)

		if rec.Buildable == recstore.BuildableAnti || rec.Buildable == recstore.BuildableNo {
			return autodep.Message{ChkDeps: autodep.ChkDepsNo}
		}
		isSource := rec.Buildable == recstore.BuildableSrc || rec.Buildable == recstore.BuildableSubSrc || rec.Buildable == recstore.BuildableSrcDir
		if rec.Status == recstore.StatusNone && !isSource {
			status = autodep.ChkDepsMaybe
			continue
		}
		if !isSource && rec.CRC.Kind() == crc.Unknown {
			status = autodep.ChkDepsMaybe
		}
	}
	return autodep.Message{ChkDeps: status}
}
