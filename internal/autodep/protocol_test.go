package autodep

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	m := Message{
		Kind:     KindDeps,
		Proc:     "cc1",
		Date:     42,
		Accesses: 3,
		Files:    []FileEntry{{Path: "a.h", Date: 10}, {Path: "missing.h", Absent: true}},
		Comment:  "read headers",
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Kind != m.Kind || got.Proc != m.Proc || len(got.Files) != 2 {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, m)
	}
	if got.Files[1].Path != "missing.h" || !got.Files[1].Absent {
		t.Fatalf("absent file entry not preserved: %+v", got.Files[1])
	}
}

func TestValidateRejectsMissingKind(t *testing.T) {
	if err := (Message{}).Validate(); err == nil {
		t.Fatalf("expected error for message with no Kind")
	}
}

func TestValidateRejectsJobOriginatedAutoDate(t *testing.T) {
	m := Message{Kind: KindDeps, AutoDate: true}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected error for AutoDate on a non-reply message")
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)
	if _, err := ReadMessage(bufio.NewReader(&buf)); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
}

func TestIsSync(t *testing.T) {
	if !KindDepCrcs.IsSync() || !KindChkDeps.IsSync() {
		t.Fatalf("DepCrcs and ChkDeps must be synchronous")
	}
	if KindDeps.IsSync() || KindHeartbeat.IsSync() {
		t.Fatalf("Deps and Heartbeat must be fire-and-forget")
	}
}
