package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx     *fakeTx
	begins int
	err    error
}

func (b *fakeBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.begins++
	b.tx = &fakeTx{}
	return b.tx, nil
}

func TestWithTx_Commits(t *testing.T) {
	b := &fakeBeginner{}
	var inside Querier
	err := WithTx(context.Background(), b, func(ctx context.Context) error {
		inside = ConnFromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.tx.committed || b.tx.rolledBack {
		t.Errorf("expected commit only, got %+v", b.tx)
	}
	if inside == nil {
		t.Error("expected transaction in context")
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	b := &fakeBeginner{}
	boom := errors.New("boom")
	err := WithTx(context.Background(), b, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.tx.committed || !b.tx.rolledBack {
		t.Errorf("expected rollback only, got %+v", b.tx)
	}
}

func TestWithTx_NestedJoinsOuter(t *testing.T) {
	b := &fakeBeginner{}
	err := WithTx(context.Background(), b, func(ctx context.Context) error {
		outer := TxFromContext(ctx)
		return WithTx(ctx, b, func(ctx context.Context) error {
			if TxFromContext(ctx) != outer {
				t.Error("nested call should reuse the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.begins != 1 {
		t.Errorf("expected a single Begin, got %d", b.begins)
	}
}

func TestWithTx_BeginError(t *testing.T) {
	b := &fakeBeginner{err: errors.New("no connection")}
	called := false
	err := WithTx(context.Background(), b, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Errorf("expected begin error without calling fn, got %v, called=%v", err, called)
	}
}

func TestConnFromContext_Empty(t *testing.T) {
	if q := ConnFromContext(context.Background()); q != nil {
		t.Errorf("expected nil querier, got %v", q)
	}
}
