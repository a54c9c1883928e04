package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTG813819/lvl-up-sub003/pkg/services"
)

type fakeLedger struct {
	mu       sync.Mutex
	calls    int
	archived int64
	errs     []error
}

func (f *fakeLedger) ArchiveAndRollMonth(context.Context, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.archived, nil
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStartRunsCatchUpRoll(t *testing.T) {
	ledger := &fakeLedger{archived: 42}
	svc := NewService(ledger, slog.Default())

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.Equal(t, 1, ledger.callCount())
}

func TestRunOnceRetriesUnavailableStore(t *testing.T) {
	ledger := &fakeLedger{
		archived: 7,
		errs:     []error{fmt.Errorf("%w: connection refused", services.ErrStoreUnavailable)},
	}
	svc := NewService(ledger, slog.Default())

	svc.runOnce(context.Background())
	assert.Equal(t, 2, ledger.callCount())
}

func TestRunOnceDoesNotRetryTerminalErrors(t *testing.T) {
	ledger := &fakeLedger{errs: []error{errors.New("constraint violated")}}
	svc := NewService(ledger, slog.Default())

	svc.runOnce(context.Background())
	assert.Equal(t, 1, ledger.callCount())
}

func TestRepeatedRollsAreHarmless(t *testing.T) {
	ledger := &fakeLedger{}
	svc := NewService(ledger, slog.Default())

	svc.runOnce(context.Background())
	svc.runOnce(context.Background())
	assert.Equal(t, 2, ledger.callCount())
}
