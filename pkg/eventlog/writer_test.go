package eventlog

import (
	"testing"

	"argo/pkg/proto"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	msgs := []*proto.Message{
		proto.NewMessage("builder-1", "coordinator-1", "task", "review pr"),
		proto.NewMessage("coordinator-1", "builder-1", "response", "approved"),
	}
	for _, msg := range msgs {
		if err := w.WriteMessage(msg); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	path := w.CurrentLogFile()
	if path == "" {
		t.Fatal("CurrentLogFile should not be empty")
	}

	read, err := ReadMessages(path)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(read) != len(msgs) {
		t.Fatalf("read %d messages, want %d", len(read), len(msgs))
	}
	for i, msg := range read {
		if msg.From != msgs[i].From || msg.Content != msgs[i].Content {
			t.Errorf("message %d mismatch: %+v", i, msg)
		}
	}
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.WriteMessage(proto.NewMessage("a", "b", "request", "x"))

	files, err := ListLogFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Errorf("ListLogFiles = %v, want one file", files)
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, err := ReadMessages(t.TempDir() + "/absent.jsonl"); err == nil {
		t.Error("reading a missing file should fail")
	}
}
