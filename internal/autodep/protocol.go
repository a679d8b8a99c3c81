// Package autodep implements the wire protocol a running job and the engine
// exchange over a per-job socket (spec.md §4.E, §6): framed messages
// carrying dependency/target/unlink reports, plus a small set of
// synchronous queries the job can issue back into the engine.
//
// Wire encoding is length-prefixed canonical-ish JSON (encoding/json with
// SetEscapeHTML(false), the same knob the teacher's
// store.marshalSecurityContext uses) over a net.Conn, one connection per
// job. Fire-and-forget kinds are never acked; Sync kinds block the sender
// until a matching reply frame arrives.
package autodep

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind distinguishes the autodep message kinds consumed by the core
// (spec.md §4.E).
type Kind string

const (
	KindDeps            Kind = "Deps"
	KindUpdates         Kind = "Updates"
	KindTargets         Kind = "Targets"
	KindUnlinks         Kind = "Unlinks"
	KindDepCrcs         Kind = "DepCrcs"
	KindChkDeps         Kind = "ChkDeps"
	KindCriticalBarrier Kind = "CriticalBarrier"
	KindTmp             Kind = "Tmp"
	KindHeartbeat       Kind = "Heartbeat"
	KindKill            Kind = "Kill"

	// KindReply tags a reply frame to a synchronous request; the ReqID
	// field correlates it back to the request that triggered it.
	KindReply Kind = "Reply"
)

// syncKinds is the set of message kinds that await a reply.
var syncKinds = map[Kind]bool{
	KindDepCrcs: true,
	KindChkDeps: true,
}

// IsSync reports whether a message of this kind blocks its sender for a
// reply.
func (k Kind) IsSync() bool { return syncKinds[k] }

// FileEntry is one `[file, date-or-absent]` pair from the wire format
// (spec.md §6).
type FileEntry struct {
	Path   string `json:"path"`
	Date   int64  `json:"date,omitempty"`
	Absent bool   `json:"absent,omitempty"`
}

// ChkDepsStatus is the reply status for a ChkDeps query (spec.md §4.E).
type ChkDepsStatus string

const (
	ChkDepsYes   ChkDepsStatus = "Yes"
	ChkDepsNo    ChkDepsStatus = "No"
	ChkDepsMaybe ChkDepsStatus = "Maybe"
)

// Message is one frame of the autodep protocol:
// `{proc, date, sync, auto_date, accesses, [file, date-or-absent]*, comment}`
// per spec.md §6, extended with a ReqID used to correlate synchronous
// replies and a Reply payload carried only on KindReply frames.
type Message struct {
	Kind     Kind        `json:"kind"`
	ReqID    uint64      `json:"req_id,omitempty"`
	Proc     string      `json:"proc,omitempty"`
	Date     int64       `json:"date,omitempty"`
	Sync     bool        `json:"sync,omitempty"`
	AutoDate bool        `json:"auto_date,omitempty"`
	Accesses uint8       `json:"accesses,omitempty"`
	Files    []FileEntry `json:"files,omitempty"`
	Comment  string      `json:"comment,omitempty"`

	// Reply-only fields.
	CRCs       []string      `json:"crcs,omitempty"`        // hex CRCs, DepCrcs reply
	ChkDeps    ChkDepsStatus `json:"chk_deps,omitempty"`    // ChkDeps reply
	ReplyError string        `json:"reply_error,omitempty"` // non-empty on a failed sync request
}

// AutoDate stamps d onto every file entry that doesn't already carry one;
// AutoDate=true in the wire format means the engine must stamp the date by
// probing disk itself rather than trust the reporter, but that probing is
// the caller's job (e.g. internal/gather for engine-internal dispatch) —
// this message type never sends AutoDate=true over the wire from a job.
func (m Message) Validate() error {
	if m.Kind == "" {
		return fmt.Errorf("autodep: message missing Kind")
	}
	if m.AutoDate && m.Kind != KindReply {
		return fmt.Errorf("autodep: AutoDate must never be set by a job-originated message (%s)", m.Kind)
	}
	return nil
}

// WriteMessage encodes m as a length-prefixed JSON frame: a 4-byte
// big-endian length header followed by the JSON body. HTML escaping is
// disabled so paths containing `<`, `>`, or `&` round-trip byte-for-byte.
func WriteMessage(w io.Writer, m Message) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("autodep: encode message: %w", err)
	}
	body := buf.Bytes()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("autodep: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("autodep: write frame body: %w", err)
	}
	return nil
}

// maxFrameBytes bounds a single frame to guard against a corrupt or
// malicious length header; no legitimate autodep report approaches this
// size.
const maxFrameBytes = 64 << 20

// ReadMessage decodes one length-prefixed JSON frame from r. A malformed
// frame (bad length, truncated body, invalid JSON) returns an error; per
// spec.md §7 the caller is responsible for killing only the originating
// job's gather, not the whole engine.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, fmt.Errorf("autodep: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return Message{}, fmt.Errorf("autodep: frame too large (%d bytes)", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("autodep: read frame body: %w", err)
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("autodep: unmarshal frame: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
