package service

import (
	"context"
	"errors"
	"path"
	"testing"
	"time"

	"fee-ledger/internal/clients"
	"fee-ledger/internal/ledger"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type statementFixture struct {
	*paymentFixture
	svc      *StatementService
	storage  *clients.StorageClient
	cache    *clients.RedisClient
	mr       *miniredis.Miniredis
	exporter *recordingNotifier
}

func newStatementFixture(t *testing.T) *statementFixture {
	t.Helper()
	pf := newPaymentFixture(t, PaymentServiceConfig{})

	storage, err := clients.NewLocalStorage(t.TempDir(), "/files", "")
	require.NoError(t, err)
	cache, mr := newTestRedis(t)

	f := &statementFixture{
		paymentFixture: pf,
		storage:        storage,
		cache:          cache,
		mr:             mr,
		exporter:       &recordingNotifier{},
	}
	f.svc = NewStatementService(pf.plans, pf.payments, cache, storage, f.exporter, quietLogger())
	f.svc.now = fixedClock(time.Date(2024, time.May, 3, 8, 30, 0, 0, time.UTC))
	f.svc.spawn = func(fn func()) { fn() }
	return f
}

func TestStatementService_Export(t *testing.T) {
	f := newStatementFixture(t)
	ctx := context.Background()

	_, err := f.paymentFixture.svc.RecordPayment(ctx, RecordPaymentInput{
		PlanID: f.plan.ID,
		Request: ledger.PaymentRequest{
			Targets:  []int{1},
			Mode:     ledger.ModeFull,
			Metadata: ledger.PaymentMetadata{Method: "upi", Reference: "TXN-9"},
		},
		Operator: "bursar",
	})
	require.NoError(t, err)

	id, err := f.svc.StartStatementExport(ctx, f.plan.ID, "bursar")
	require.NoError(t, err)
	assert.Contains(t, id, "exports:")

	view, err := f.svc.GetExport(ctx, id, "bursar")
	require.NoError(t, err)
	assert.Equal(t, float64(100), view.Progress)
	assert.Nil(t, view.Error)
	assert.Equal(t, "now", view.CreatedAgo)
	require.NotNil(t, view.FileURL)
	assert.Contains(t, *view.FileURL, "/files/")

	assert.Equal(t, []float64{20, 40, 80, 100}, f.exporter.progress)
	assert.Equal(t, []string{*view.FileURL}, f.exporter.complete)

	stored, err := f.storage.Open(path.Base(*view.FileURL))
	require.NoError(t, err)
	assert.Contains(t, clients.DownloadName(path.Base(stored)), "statement_stu-1_")

	book, err := excelize.OpenFile(stored)
	require.NoError(t, err)
	defer book.Close()

	student, err := book.GetCellValue("Summary", "B3")
	require.NoError(t, err)
	assert.Equal(t, "stu-1", student)
	total, err := book.GetCellValue("Summary", "B6")
	require.NoError(t, err)
	assert.Equal(t, "1,000.00", total)

	installments, err := book.GetRows("Installments")
	require.NoError(t, err)
	require.Len(t, installments, 4)
	assert.Equal(t, "No.", installments[0][0])
	assert.Equal(t, "paid", installments[1][7])
	assert.Equal(t, "unpaid", installments[2][7])

	payments, err := book.GetRows("Payments")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "upi", payments[1][4])
	assert.Equal(t, "TXN-9", payments[1][5])
}

func TestStatementService_ExportsBelongToOperator(t *testing.T) {
	f := newStatementFixture(t)
	ctx := context.Background()

	id, err := f.svc.StartStatementExport(ctx, f.plan.ID, "bursar")
	require.NoError(t, err)

	_, err = f.svc.GetExport(ctx, id, "clerk")
	assert.ErrorIs(t, err, ErrExportNotFound)
	_, err = f.svc.GetExport(ctx, "exports:missing", "bursar")
	assert.ErrorIs(t, err, ErrExportNotFound)

	mine, err := f.svc.GetExports(ctx, "bursar")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, id, mine[0].Key)
	assert.Equal(t, f.plan.ID, mine[0].PlanID)

	theirs, err := f.svc.GetExports(ctx, "clerk")
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestStatementService_ExpiredExportsArePruned(t *testing.T) {
	f := newStatementFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartStatementExport(ctx, f.plan.ID, "bursar")
	require.NoError(t, err)

	f.mr.FastForward(exportTTL + time.Minute)

	views, err := f.svc.GetExports(ctx, "bursar")
	require.NoError(t, err)
	assert.Empty(t, views)

	ids, err := f.cache.SMembers(ctx, exportSetKey)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStatementService_ExportFailure(t *testing.T) {
	f := newStatementFixture(t)
	ctx := context.Background()
	f.payments.listErr = errors.New("payments table locked")

	id, err := f.svc.StartStatementExport(ctx, f.plan.ID, "bursar")
	require.NoError(t, err)

	view, err := f.svc.GetExport(ctx, id, "bursar")
	require.NoError(t, err)
	assert.Nil(t, view.FileURL)
	require.NotNil(t, view.Error)
	assert.Contains(t, *view.Error, "payments table locked")
	assert.Len(t, f.exporter.failed, 1)
	assert.Empty(t, f.exporter.complete)
}

func TestStatementService_UnknownPlan(t *testing.T) {
	f := newStatementFixture(t)
	_, err := f.svc.StartStatementExport(context.Background(), "missing", "bursar")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}
