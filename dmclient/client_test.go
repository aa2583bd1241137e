package dmclient

import (
	"context"
	"testing"
)

func TestFakeClientCreateLoadLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	table := []TableLine{{Start: 0, Length: 1000, Target: "linear", Params: "8:0 0"}}

	if err := f.Create(ctx, "dev0", table); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Create(ctx, "dev0", table); err == nil {
		t.Fatalf("expected error creating duplicate device")
	}

	newTable := []TableLine{{Start: 0, Length: 2000, Target: "linear", Params: "8:0 0"}}
	if err := f.Load(ctx, "dev0", newTable); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := f.Table("dev0")
	if !ok || got[0].Length != 2000 {
		t.Fatalf("Load did not update table: %+v", got)
	}

	if err := f.Suspend(ctx, "dev0"); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := f.Resume(ctx, "dev0"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := f.Remove(ctx, "dev0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := f.Table("dev0"); ok {
		t.Fatalf("device still present after Remove")
	}
}

func TestFakeClientTableStatusParsing(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.SetStatus("raid0", "0 2097152 raid raid5_ls 3 AAA 2 idle")

	lines, err := f.TableStatus(ctx, "raid0")
	if err != nil {
		t.Fatalf("TableStatus: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 status line, got %d", len(lines))
	}
	if lines[0].Target != "raid" {
		t.Fatalf("unexpected target: %q", lines[0].Target)
	}
	if lines[0].Params != "raid5_ls 3 AAA 2 idle" {
		t.Fatalf("unexpected params: %q", lines[0].Params)
	}
}

func TestFakeClientMessageRecorded(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	if _, err := f.Message(ctx, "pool0", 0, "create_thin 0"); err != nil {
		t.Fatalf("Message: %v", err)
	}
	msgs := f.Messages()
	if len(msgs) != 1 || msgs[0].Msg != "create_thin 0" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}
