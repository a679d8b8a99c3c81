// Package depdigest resolves the wire-level dependency digest a running job
// reports (spec.md §4.D) into a permanent recstore.DepValue, and marks the
// engine-level reasons (StaticDepMissing, ClashTarget) that resolution can
// surface along the way.
package depdigest

import (
	"fmt"

	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
)

// Digest is the per-dep descriptor a gather (internal/gather) hands to the
// make engine at resolution time: file date at observation, accesses mask,
// flags, the parallel bit, and either a CRC (the requester already hashed
// the file) or a signature.
type Digest struct {
	Path     string
	Date     int64 // unix nanoseconds, observation time
	Accesses crc.Access
	Flags    recstore.DepFlag
	Parallel bool

	IsCRC bool
	CRC   crc.CRC      // meaningful only when IsCRC
	Sig   crc.FileSig  // meaningful only when !IsCRC
}

// Validate rejects a digest whose shape cannot be resolved, following the
// same all-or-nothing structural-validation posture the teacher applies to
// bindings (internal/queryir.validate.go): a digest must not claim IsCRC
// without carrying an actual CRC value, and a Static dep must carry a
// non-zero accesses mask (a static dep that accesses nothing is not a
// dependency at all).
func (d Digest) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("depdigest: empty path")
	}
	if d.IsCRC && d.CRC.Kind() == crc.Unknown {
		return fmt.Errorf("depdigest: IsCRC set but CRC is Unknown for %q", d.Path)
	}
	if d.Flags.Has(recstore.FlagStatic) && d.Accesses == 0 {
		return fmt.Errorf("depdigest: Static flag set with empty accesses mask for %q", d.Path)
	}
	return nil
}

// Reason mirrors the reason codes spec.md §7 attaches to a node/job during
// dep resolution. Only the two resolution-time reasons live here;
// makeengine owns the full taxonomy.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonStaticDepMissing Reason = "StaticDepMissing"
	ReasonClashTarget      Reason = "ClashTarget"
)

// Resolution is the output of resolving one Digest against the node store:
// the permanent DepValue to record, plus any reason the resolution raised.
type Resolution struct {
	Node   namestore.NodeId
	Value  recstore.DepValue
	Reason Reason
}

// Resolve implements spec.md §4.D steps 1-4:
//  1. Intern the node name (done by the caller, who owns the namestore;
//     Resolve takes the already-interned id to keep this package free of a
//     namestore dependency cycle).
//  2. Promote to CRC if the digest already carries one, or if the observed
//     signature equals the node's currently-stored signature (the file is
//     provably unchanged, so the previously computed CRC is still valid).
//     Otherwise keep the date.
//  3. If the resolved value settles on an absent-file CRC (kind None) and
//     FlagStatic is set, mark ReasonStaticDepMissing.
//  4. If the dep overlaps a declared target of the same job, mark
//     ReasonClashTarget on the node (actual clash-interval comparison lives
//     in internal/clash; this only flags the overlap once told about it).
func Resolve(node namestore.NodeId, d Digest, storedSig crc.FileSig, storedCRC crc.CRC, isDeclaredTarget bool) (Resolution, error) {
	if err := d.Validate(); err != nil {
		return Resolution{}, err
	}

	res := Resolution{Node: node}

	switch {
	case d.IsCRC:
		res.Value = recstore.DepValue{IsCRC: true, CRC: d.CRC}
	case d.Sig.Equal(storedSig) && storedCRC.IsKnown():
		res.Value = recstore.DepValue{IsCRC: true, CRC: storedCRC}
	default:
		res.Value = recstore.DepValue{IsCRC: false, Date: d.Date}
	}

	if d.Flags.Has(recstore.FlagStatic) && res.Value.IsCRC && res.Value.CRC.Kind() == crc.None {
		res.Reason = ReasonStaticDepMissing
	}

	if isDeclaredTarget {
		res.Reason = ReasonClashTarget
	}

	return res, nil
}
