package credit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"blossom-gate/internal/observability/alerting"
	"blossom-gate/internal/web3"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// miniredis 与 go-redis 的连接池在测试结束时异步回收。
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type captureDispatcher struct {
	events []alerting.Event
}

func (c *captureDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c.events = append(c.events, event)
	return nil
}

func submitRecords(t *testing.T, router *Router, sessions ...string) []RouteResult {
	t.Helper()
	results := make([]RouteResult, 0, len(sessions))
	for _, session := range sessions {
		req := testRequest()
		req.SessionID = session
		result, err := router.RouteStableCreditForExecution(context.Background(), req)
		if err != nil {
			t.Fatalf("route %s: %v", session, err)
		}
		results = append(results, result)
	}
	return results
}

func TestFinalizerSweepSettlesSubmittedRecords(t *testing.T) {
	ledger := NewMemoryLedger()
	router := NewRouter(testRouterConfig(), ledger, &fakeMinter{})
	results := submitRecords(t, router, "a", "b", "c", "d")

	confirmer := newFakeConfirmer()
	confirmer.set(results[0].TxHash, web3.ReceiptStatus{Confirmed: true, Success: true, BlockNumber: 100})
	confirmer.set(results[1].TxHash, web3.ReceiptStatus{Confirmed: true, Success: false, BlockNumber: 101})
	confirmer.errs[results[3].TxHash] = errors.New("rpc unavailable")

	alerts := &captureDispatcher{}
	finalizer := NewFinalizer(ledger, confirmer, WithWorkerCount(3), WithBatchSize(10), WithAlertDispatcher(alerts))

	stats, err := finalizer.Sweep(context.Background())
	if err == nil {
		t.Fatal("rpc failure should surface as a sweep error")
	}
	want := SweepStats{Scanned: 4, Credited: 1, Failed: 1, Pending: 1, Errors: 1}
	if stats != want {
		t.Fatalf("unexpected stats %+v, want %+v", stats, want)
	}

	assertStatus(t, ledger, results[0].RecordID, StatusCredited)
	assertStatus(t, ledger, results[1].RecordID, StatusFailed)
	assertStatus(t, ledger, results[2].RecordID, StatusCreditSubmitted)
	assertStatus(t, ledger, results[3].RecordID, StatusCreditSubmitted)

	codes := map[string]bool{}
	for _, event := range alerts.events {
		codes[string(event.Code)] = true
	}
	if !codes[string(CodeMintFailed)] || !codes[string(CodeFinalizerFailed)] {
		t.Fatalf("expected MINT_FAILED and FINALIZER_FAILED alerts, got %+v", alerts.events)
	}

	// 再次扫描只处理仍在途的记录。
	delete(confirmer.errs, results[3].TxHash)
	confirmer.set(results[2].TxHash, web3.ReceiptStatus{Confirmed: true, Success: true})
	confirmer.set(results[3].TxHash, web3.ReceiptStatus{Confirmed: true, Success: true})
	stats, err = finalizer.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if stats.Scanned != 2 || stats.Credited != 2 {
		t.Fatalf("unexpected second sweep %+v", stats)
	}

	stats, err = finalizer.Sweep(context.Background())
	if err != nil || stats.Scanned != 0 {
		t.Fatalf("sweep over settled ledger should be a no-op: %+v (%v)", stats, err)
	}
}

func TestFinalizerConsumesReconcileQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ledger := NewMemoryLedger()
	queue := NewMemoryQueue(16)
	router := NewRouter(testRouterConfig(), ledger, &fakeMinter{}, WithReconcileProducer(queue))
	confirmer := newFakeConfirmer()
	finalizer := NewFinalizer(ledger, confirmer)

	results := submitRecords(t, router, "q1", "q2")
	for _, result := range results {
		confirmer.set(result.TxHash, web3.ReceiptStatus{Confirmed: true, Success: true})
	}
	if err := queue.Publish(ctx, "does-not-exist"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- finalizer.Consume(ctx, queue, 2) }()

	deadline := time.After(3 * time.Second)
	for {
		settled := 0
		for _, result := range results {
			record, _ := ledger.Get(ctx, result.RecordID)
			if record.Status == StatusCredited {
				settled++
			}
		}
		if settled == len(results) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("records were not settled from the queue, settled=%d", settled)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("consume should stop with context cancellation, got %v", err)
	}
}

func TestFinalizerReconcileLeavesPendingRecords(t *testing.T) {
	ledger := NewMemoryLedger()
	router := NewRouter(testRouterConfig(), ledger, &fakeMinter{})
	result := submitRecords(t, router, "p")[0]

	finalizer := NewFinalizer(ledger, newFakeConfirmer())
	record, err := finalizer.Reconcile(context.Background(), result.RecordID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if record.Status != StatusCreditSubmitted {
		t.Fatalf("pending receipt must leave record submitted, got %s", record.Status)
	}
}

func TestFinalizerSweepRotatesPastPendingRecords(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.now = newStepClock().now
	router := NewRouter(testRouterConfig(), ledger, &fakeMinter{})

	const batch = 25
	stuck := make([]string, batch)
	for i := range stuck {
		stuck[i] = fmt.Sprintf("stuck-%02d", i)
	}
	submitRecords(t, router, stuck...)
	fresh := submitRecords(t, router, "fresh")[0]

	confirmer := newFakeConfirmer()
	confirmer.set(fresh.TxHash, web3.ReceiptStatus{Confirmed: true, Success: true, BlockNumber: 40})
	finalizer := NewFinalizer(ledger, confirmer, WithBatchSize(batch))

	first, err := finalizer.Sweep(context.Background())
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first.Scanned != batch || first.Pending != batch {
		t.Fatalf("first sweep should cover the oldest batch: %+v", first)
	}
	second, err := finalizer.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Credited != 1 {
		t.Fatalf("checked pending records must not starve newer ones: %+v", second)
	}
	assertStatus(t, ledger, fresh.RecordID, StatusCredited)

	record, err := ledger.Get(context.Background(), submitRecordID(t, ledger, "stuck-00"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := record.Meta[MetaLastCheckedAt]; !ok || record.Status != StatusCreditSubmitted {
		t.Fatalf("pending check should be stamped on the record: %+v", record)
	}
}

func submitRecordID(t *testing.T, ledger *MemoryLedger, session string) string {
	t.Helper()
	records, err := ledger.List(context.Background(), ListOptions{SessionID: session})
	if err != nil || len(records) != 1 {
		t.Fatalf("list %s: %v (%d records)", session, err, len(records))
	}
	return records[0].ID
}

func assertStatus(t *testing.T, ledger Ledger, id string, want Status) {
	t.Helper()
	record, err := ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if record.Status != want {
		t.Fatalf("record %s status %s, want %s", id, record.Status, want)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 30s", "*/5 * * * *", " @hourly "} {
		if _, err := ParseSchedule(spec); err != nil {
			t.Fatalf("ParseSchedule(%q): %v", spec, err)
		}
	}
	if _, err := ParseSchedule("every minute"); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}

func TestRunScheduleStopsWithContext(t *testing.T) {
	f := NewFinalizer(NewMemoryLedger(), newFakeConfirmer())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.RunSchedule(ctx, "@every 1h") }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not stop")
	}
}
