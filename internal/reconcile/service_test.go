package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyledger/internal/account"
	"skyledger/internal/ledger"
	"skyledger/internal/model"
)

type env struct {
	svc     *Service
	journal *MemoryJournal
	backend *account.MemoryBackend
	store   *account.Store
	log     *ledger.MemoryLog
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		journal: NewMemoryJournal(),
		backend: account.NewMemoryBackend(),
		log:     ledger.NewMemoryLog(),
	}
	e.store = account.NewStore(e.backend, account.DefaultRetryConfig(), nil)
	e.svc = NewService(e.journal, e.store, e.log, Config{}, nil)

	for _, id := range []string{"src", "dst"} {
		_, err := e.store.Create(ctx, model.Account{ID: id, DisplayName: id, Address: id + "@skypay"})
		require.NoError(t, err)
	}
	return e
}

// debited simulates a transfer whose debit of amount committed on src.
func (e *env) debited(t *testing.T, id string, amount int64) Case {
	t.Helper()
	ctx := context.Background()
	_, err := e.store.ConditionalAdjust(ctx, "src", amount, account.Always)
	require.NoError(t, err)
	acc, err := e.store.ConditionalAdjust(ctx, "src", -amount, account.SufficientFunds)
	require.NoError(t, err)

	return Case{
		ID:                     id,
		Stage:                  StageCrediting,
		State:                  StateOpen,
		SourceAccountID:        "src",
		SourceDisplayName:      "Source",
		DestinationAccountID:   "dst",
		DestinationDisplayName: "Destination",
		DestinationAddress:     "dst@skypay",
		Amount:                 amount,
		Memo:                   "stuck",
		Timestamp:              time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		DebitRecordID:          id + "-debit",
		CreditRecordID:         id + "-credit",
		SourceVersion:          acc.Version,
		SourceBalanceAfter:     acc.Balance,
		CreatedAt:              time.Now(),
	}
}

func TestResolve_CompleteCreditsAndRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.debited(t, "c1", 25)
	require.NoError(t, e.journal.Open(ctx, c))

	resolved, err := e.svc.Resolve(ctx, "c1", ActionComplete)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, resolved.State)
	assert.Equal(t, ActionComplete, resolved.Resolution)
	assert.False(t, resolved.ResolvedAt.IsZero())

	dst, err := e.store.Get(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, int64(25), dst.Balance)

	credits, err := e.log.Stream(ctx, "dst")
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, "c1-credit", credits[0].ID)
	assert.Equal(t, dst.Version, credits[0].Sequence)
	assert.Equal(t, "Source", credits[0].CounterpartyDisplayName)

	debits, err := e.log.Stream(ctx, "src")
	require.NoError(t, err)
	require.Len(t, debits, 1)
	assert.Equal(t, model.KindDebit, debits[0].Kind)
	assert.Equal(t, debits[0].Timestamp, credits[0].Timestamp)

	_, err = e.svc.Resolve(ctx, "c1", ActionComplete)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolve_ReverseRefundsSource(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.debited(t, "c2", 40)
	require.NoError(t, e.journal.Open(ctx, c))

	_, err := e.svc.Resolve(ctx, "c2", ActionReverse)
	require.NoError(t, err)

	src, err := e.store.Get(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, int64(40), src.Balance)

	records, err := e.log.Stream(ctx, "src")
	require.NoError(t, err)
	assert.Empty(t, records)

	pending, err := e.svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolve_RecordingStageOnlyWritesMissingRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.debited(t, "c3", 10)

	dst, err := e.store.ConditionalAdjust(ctx, "dst", 10, account.Always)
	require.NoError(t, err)
	c.Stage = StageRecording
	c.DestinationVersion = dst.Version
	c.DestinationBalanceAfter = dst.Balance
	c.DebitRecorded = true
	require.NoError(t, e.log.Append(ctx, "src", DebitRecord(c)))
	require.NoError(t, e.journal.Open(ctx, c))

	_, err = e.svc.Resolve(ctx, "c3", ActionReverse)
	require.ErrorIs(t, err, ErrActionNotAllowed)

	_, err = e.svc.Resolve(ctx, "c3", ActionComplete)
	require.NoError(t, err)

	srcRecords, err := e.log.Stream(ctx, "src")
	require.NoError(t, err)
	assert.Len(t, srcRecords, 1, "debit must not be written twice")

	dstRecords, err := e.log.Stream(ctx, "dst")
	require.NoError(t, err)
	assert.Len(t, dstRecords, 1)

	got, err := e.store.Get(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Balance, "no second credit")
}

func TestResolve_FailedRecordKeepsCaseOpen(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.debited(t, "c4", 5)
	require.NoError(t, e.journal.Open(ctx, c))
	e.log.InjectFault("dst", errors.New("log offline"))

	_, err := e.svc.Resolve(ctx, "c4", ActionComplete)
	require.Error(t, err)

	stored, err := e.journal.Get(ctx, "c4")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, stored.State)
	assert.Equal(t, StageRecording, stored.Stage)
	assert.True(t, stored.DebitRecorded)
	assert.False(t, stored.CreditRecorded)

	e.log.InjectFault("dst", nil)
	_, err = e.svc.Resolve(ctx, "c4", ActionComplete)
	require.NoError(t, err)

	dst, err := e.store.Get(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, int64(5), dst.Balance, "credit applied exactly once")
}

func TestResolve_UnknownCaseAndAction(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Resolve(ctx, "missing", ActionComplete)
	assert.ErrorIs(t, err, ErrCaseNotFound)

	require.NoError(t, e.journal.Open(ctx, e.debited(t, "c5", 1)))
	_, err = e.svc.Resolve(ctx, "c5", Action("refund"))
	assert.ErrorIs(t, err, ErrActionNotAllowed)
}

func TestMemoryJournal_PendingOrder(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	base := time.Now()

	require.NoError(t, j.Open(ctx, Case{ID: "late", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, j.Open(ctx, Case{ID: "early", CreatedAt: base}))
	assert.ErrorIs(t, j.Open(ctx, Case{ID: "early"}), ErrCaseExists)
	assert.ErrorIs(t, j.Update(ctx, Case{ID: "ghost"}), ErrCaseNotFound)

	require.NoError(t, j.Update(ctx, Case{ID: "late", State: StateInProgress, CreatedAt: base.Add(time.Minute)}))
	assert.ErrorIs(t, j.Update(ctx, Case{ID: "late"}), ErrCaseConflict, "revision 0 is stale now")
	require.NoError(t, j.Update(ctx, Case{ID: "early", State: StateResolved, CreatedAt: base}))
	assert.ErrorIs(t, j.Update(ctx, Case{ID: "early", Revision: 1}), ErrAlreadyResolved)

	pending, err := j.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "late", pending[0].ID)
	assert.Equal(t, StateInProgress, pending[0].State)
	assert.Equal(t, int64(1), pending[0].Revision)
}

// flakyJournal fails the first Update that matches failOn.
type flakyJournal struct {
	*MemoryJournal
	mu     sync.Mutex
	failOn func(Case) bool
	failed bool
}

func (j *flakyJournal) Update(ctx context.Context, c Case) error {
	j.mu.Lock()
	fail := !j.failed && j.failOn(c)
	if fail {
		j.failed = true
	}
	j.mu.Unlock()
	if fail {
		return errors.New("journal write timeout")
	}
	return j.MemoryJournal.Update(ctx, c)
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	acc, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func TestResolve_JournalFailureAfterCreditNeverCreditsTwice(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	journal := &flakyJournal{
		MemoryJournal: e.journal,
		failOn:        func(c Case) bool { return c.DestinationVersion != 0 },
	}
	e.svc = NewService(journal, e.store, e.log, Config{}, nil)
	clock := time.Now()
	e.svc.now = func() time.Time { return clock }

	c := e.debited(t, "c6", 40)
	require.NoError(t, journal.Open(ctx, c))

	_, err := e.svc.Resolve(ctx, "c6", ActionComplete)
	require.Error(t, err)
	assert.Equal(t, int64(40), e.balance(t, "dst"))

	_, err = e.svc.Resolve(ctx, "c6", ActionComplete)
	require.ErrorIs(t, err, ErrCaseBusy, "the failed run still holds its claim")

	clock = clock.Add(claimTTL)
	resolved, err := e.svc.Resolve(ctx, "c6", ActionComplete)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, resolved.State)
	assert.Nil(t, resolved.Intent)

	assert.Equal(t, int64(40), e.balance(t, "dst"), "credit applied exactly once")
	assert.Equal(t, int64(0), e.balance(t, "src"))

	credits, err := e.log.Stream(ctx, "dst")
	require.NoError(t, err)
	assert.Len(t, credits, 1)
	debits, err := e.log.Stream(ctx, "src")
	require.NoError(t, err)
	assert.Len(t, debits, 1)
}

func TestResolve_UnconfirmedCreditIsNotRepeated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.journal.Open(ctx, e.debited(t, "c7", 40)))

	e.backend.InjectLostReply("dst", errors.New("connection reset"))
	_, err := e.svc.Resolve(ctx, "c7", ActionComplete)
	var unconfirmed *account.UnconfirmedError
	require.ErrorAs(t, err, &unconfirmed)

	stored, err := e.journal.Get(ctx, "c7")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, stored.State)
	require.NotNil(t, stored.Intent)
	assert.Equal(t, "dst", stored.Intent.AccountID)

	_, err = e.svc.Resolve(ctx, "c7", ActionComplete)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	_, err = e.svc.Resolve(ctx, "c7", ActionReverse)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)

	assert.Equal(t, int64(40), e.balance(t, "dst"))
	assert.Equal(t, int64(0), e.balance(t, "src"), "no refund while the credit may have landed")
}

func TestResolve_ReverseSettlesEarlierCreditAttempt(t *testing.T) {
	ctx := context.Background()

	t.Run("credit never landed", func(t *testing.T) {
		e := newEnv(t)
		c := e.debited(t, "c8", 30)
		c.Intent = &Intent{AccountID: "dst", BaseVersion: 0, Delta: 30, RecordID: c.CreditRecordID}
		require.NoError(t, e.journal.Open(ctx, c))

		_, err := e.svc.Resolve(ctx, "c8", ActionReverse)
		require.NoError(t, err)
		assert.Equal(t, int64(30), e.balance(t, "src"))
		assert.Equal(t, int64(0), e.balance(t, "dst"))
	})

	t.Run("another transfer took the version", func(t *testing.T) {
		e := newEnv(t)
		c := e.debited(t, "c9", 30)
		c.Intent = &Intent{AccountID: "dst", BaseVersion: 0, Delta: 30, RecordID: c.CreditRecordID}
		require.NoError(t, e.journal.Open(ctx, c))

		acc, err := e.store.ConditionalAdjust(ctx, "dst", 7, account.Always)
		require.NoError(t, err)
		require.NoError(t, e.log.Append(ctx, "dst", model.Record{
			ID: "other", CounterpartyAccountID: "x", Amount: 7, Kind: model.KindCredit,
			Timestamp: time.Now(), Status: model.StatusSuccess, Sequence: acc.Version, BalanceAfter: acc.Balance,
		}))

		_, err = e.svc.Resolve(ctx, "c9", ActionReverse)
		require.NoError(t, err)
		assert.Equal(t, int64(30), e.balance(t, "src"))
		assert.Equal(t, int64(7), e.balance(t, "dst"))
	})

	t.Run("credit landed", func(t *testing.T) {
		e := newEnv(t)
		c := e.debited(t, "c10", 30)
		c.Intent = &Intent{AccountID: "dst", BaseVersion: 0, Delta: 30, RecordID: c.CreditRecordID}
		require.NoError(t, e.journal.Open(ctx, c))
		_, err := e.store.ConditionalAdjust(ctx, "dst", 30, account.Always)
		require.NoError(t, err)

		_, err = e.svc.Resolve(ctx, "c10", ActionReverse)
		assert.ErrorIs(t, err, ErrOutcomeUnknown)
		assert.Equal(t, int64(0), e.balance(t, "src"))
	})
}

func TestResolve_ConcurrentResolutionsCreditOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.journal.Open(ctx, e.debited(t, "c11", 25)))

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.svc.Resolve(ctx, "c11", ActionComplete)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrCaseBusy) || errors.Is(err, ErrAlreadyResolved), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(25), e.balance(t, "dst"))
}

func TestResolve_UnconfirmedDebitCanOnlyBeReversed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.debited(t, "c12", 10)
	_, err := e.store.ConditionalAdjust(ctx, "src", 10, account.Always)
	require.NoError(t, err)
	src, err := e.store.Get(ctx, "src")
	require.NoError(t, err)

	c.Stage = StageDebiting
	c.Intent = &Intent{AccountID: "src", BaseVersion: src.Version, Delta: -10, RecordID: c.DebitRecordID}
	require.NoError(t, e.journal.Open(ctx, c))

	_, err = e.svc.Resolve(ctx, "c12", ActionComplete)
	require.ErrorIs(t, err, ErrActionNotAllowed)

	resolved, err := e.svc.Resolve(ctx, "c12", ActionReverse)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, resolved.State)
	assert.Equal(t, int64(10), e.balance(t, "src"), "the debit never landed, so nothing is refunded")
}
