package outbox

import (
	"testing"
	"time"
)

func openTest(t *testing.T) *Outbox {
	t.Helper()
	o, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestLifecycle(t *testing.T) {
	o := openTest(t)

	if err := o.PutNew(1, []byte(`{"market":"sol-usdc"}`)); err != nil {
		t.Fatal(err)
	}
	rec, err := o.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateNew || string(rec.Payload) != `{"market":"sol-usdc"}` {
		t.Fatalf("unexpected record %+v", rec)
	}

	if err := o.MarkSent(1); err != nil {
		t.Fatal(err)
	}
	rec, _ = o.Get(1)
	if rec.State != StateSent || rec.Retries != 1 {
		t.Fatalf("after MarkSent: %+v", rec)
	}

	if err := o.MarkAcked(1); err != nil {
		t.Fatal(err)
	}
	rec, _ = o.Get(1)
	if rec.State != StateAcked {
		t.Fatalf("after MarkAcked: %+v", rec)
	}
}

func TestScanPendingOrderAndStates(t *testing.T) {
	o := openTest(t)
	for seq := uint64(1); seq <= 4; seq++ {
		if err := o.PutNew(seq, []byte{byte(seq)}); err != nil {
			t.Fatal(err)
		}
	}
	// 2 delivered, 3 failed, 4 sent moments ago.
	_ = o.MarkSent(2)
	_ = o.MarkAcked(2)
	_ = o.MarkFailed(3)
	_ = o.MarkSent(4)

	var got []uint64
	err := o.ScanPending(time.Minute, func(rec Record) error {
		got = append(got, rec.Seq)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// 1 is NEW, 3 is FAILED; 2 is ACKED and 4 is freshly SENT.
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("pending = %v", got)
	}

	// With a zero resend window the stuck SENT entry comes back too.
	got = nil
	if err := o.ScanPending(0, func(rec Record) error {
		got = append(got, rec.Seq)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("pending with resend = %v", got)
	}
}

func TestGCDropsAcked(t *testing.T) {
	o := openTest(t)
	for seq := uint64(1); seq <= 3; seq++ {
		_ = o.PutNew(seq, nil)
	}
	_ = o.MarkSent(1)
	_ = o.MarkAcked(1)
	_ = o.MarkSent(3)
	_ = o.MarkAcked(3)

	n, err := o.GC()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("gc removed %d, want 2", n)
	}
	if _, err := o.Get(1); err == nil {
		t.Fatal("acked entry survived gc")
	}
	if _, err := o.Get(2); err != nil {
		t.Fatalf("pending entry lost: %v", err)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	o, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.PutNew(7, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}

	o2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer o2.Close()
	rec, err := o2.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateNew || string(rec.Payload) != "payload" {
		t.Fatalf("reopened record %+v", rec)
	}
}
