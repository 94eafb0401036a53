package queue

import "testing"

func TestPushSnapshotOrder(t *testing.T) {
	q := New(8)
	q.Push(Message{UpstreamID: 1, Frame: []byte("a")})
	q.Push(Message{UpstreamID: 2, Frame: []byte("b")})
	q.Push(Message{UpstreamID: 3, Frame: []byte("c")})

	snap := q.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	if snap[0].Msg.UpstreamID != 1 || snap[1].Msg.UpstreamID != 2 || snap[2].Msg.UpstreamID != 3 {
		t.Error("snapshot did not preserve FIFO order")
	}
	if q.Len() != 3 {
		t.Error("Snapshot must not remove entries")
	}
}

func TestRemoveDeletesOnlyThatEntry(t *testing.T) {
	q := New(8)
	q.Push(Message{UpstreamID: 1})
	q.Push(Message{UpstreamID: 2})
	q.Push(Message{UpstreamID: 3})

	snap := q.Snapshot()
	q.Remove(snap[1]) // remove the middle entry (id 2)

	remaining := q.Snapshot()
	if len(remaining) != 2 {
		t.Fatalf("expected 2 entries remaining, got %d", len(remaining))
	}
	if remaining[0].Msg.UpstreamID != 1 || remaining[1].Msg.UpstreamID != 3 {
		t.Error("Remove deleted the wrong entry:", remaining[0].Msg.UpstreamID, remaining[1].Msg.UpstreamID)
	}
}

func TestPushDropsNewestWhenFull(t *testing.T) {
	q := New(2)
	if !q.Push(Message{UpstreamID: 1}) {
		t.Fatal("first push into an empty queue should succeed")
	}
	if !q.Push(Message{UpstreamID: 2}) {
		t.Fatal("second push should succeed, queue is at capacity but not over")
	}
	if q.Push(Message{UpstreamID: 3}) {
		t.Error("push past capacity should be rejected")
	}
	if q.Len() != 2 {
		t.Error("rejected push must not grow the queue")
	}
}

func TestReportReflectsActivity(t *testing.T) {
	q := New(4)
	q.Push(Message{UpstreamID: 1})
	snap := q.Snapshot()
	q.Remove(snap[0])

	report := q.Report(true)
	if report == "" {
		t.Error("expected a non-empty report")
	}
	if q.Name() != "Queue" {
		t.Error("unexpected reporter name", q.Name())
	}
}
