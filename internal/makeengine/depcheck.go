package makeengine

import (
	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/recstore"
)

// CheckDep classifies one logical dep against the current node/job store
// state, for use as the per-dep input to AdvanceDeps.
//
//   - If the node's ActualJob hasn't finished this session, the dep is
//     NotReady.
//   - If the node's producing job ended in error, the dep is Error.
//   - If the node has no known producer and isn't a source file, it has
//     never been resolved this session: NotReady.
//   - Otherwise the dep's value as recorded on the static dep vector
//     (d.Value, taken when the job last ran) is compared against the
//     node's current authoritative CRC/signature; a mismatch is Modified.
func CheckDep(nodes *recstore.NodeArena, jobs *recstore.JobArena, d recstore.LogicalDep) DepStatus {
	rec, _ := nodes.Get(d.Node)

	if rec.ActualJob != 0 {
		jr := jobs.Get(rec.ActualJob)
		if jr.EndStatus == recstore.EndStatusNew {
			return DepStatusNotReady
		}
		if jr.EndStatus.IsError() {
			return DepStatusError
		}
	} else if rec.Status == recstore.StatusNone &&
		rec.Buildable != recstore.BuildableSrc &&
		rec.Buildable != recstore.BuildableSubSrc &&
		rec.Buildable != recstore.BuildableSrcDir {
		return DepStatusNotReady
	}

	if !valueMatchesNode(d.Value, d.Accesses, rec.CRC, rec.Sig) {
		return DepStatusModified
	}
	return DepStatusOk
}

// valueMatchesNode reports whether a dep's recorded value still matches the
// node's current CRC/signature.
func valueMatchesNode(v recstore.DepValue, accesses crc.Access, nodeCRC crc.CRC, nodeSig crc.FileSig) bool {
	if v.IsCRC {
		return nodeCRC.IsKnown() && nodeCRC.Match(v.CRC, accesses)
	}
	// A date-only dep value was recorded against a FileSig at the time of
	// observation; without a second FileSig to compare it would always be
	// treated as stale, so a date-only dep is only ever trusted again once
	// promoted to a CRC by depdigest.Resolve — here it always counts as
	// Modified so the engine re-resolves it rather than silently trusting
	// a bare timestamp.
	return false
}
