package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newTestWriter(t *testing.T) (*Store, *WriterQueue) {
	t.Helper()
	store := newTestStore(t)
	wq := NewWriterQueue(store, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wq.Close(ctx)
	})
	return store, wq
}

func TestWriterAppliesSubmissions(t *testing.T) {
	store, wq := newTestWriter(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = wq.Submit(ctx, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO settings (key, value) VALUES (?, ?)`,
					"k"+strconv.Itoa(i), strconv.Itoa(i))
				return err
			})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	var count int
	if err := store.Read().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settings WHERE key LIKE 'k%'`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != n {
		t.Errorf("row count = %d, want %d", count, n)
	}
}

func TestWriterSequentialOrder(t *testing.T) {
	store, wq := newTestWriter(t)
	ctx := context.Background()

	// Submissions from one goroutine apply in submission order, so the
	// last value written wins.
	for i := 0; i < 5; i++ {
		i := i
		err := wq.Submit(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value) VALUES ('seq', ?)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
				strconv.Itoa(i))
			return err
		})
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	var value string
	if err := store.Read().QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'seq'`).Scan(&value); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if value != "4" {
		t.Errorf("value = %q, want 4", value)
	}
}

func TestWriterRollsBackOnError(t *testing.T) {
	store, wq := newTestWriter(t)
	ctx := context.Background()
	sentinel := errors.New("boom")

	err := wq.Submit(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES ('doomed', '1')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("submit error = %v, want sentinel", err)
	}

	var count int
	if err := store.Read().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settings WHERE key = 'doomed'`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("doomed row survived rollback, count = %d", count)
	}
}

func TestWriterSurvivesFailedSubmission(t *testing.T) {
	store, wq := newTestWriter(t)
	ctx := context.Background()

	_ = wq.Submit(ctx, func(tx *sql.Tx) error {
		return errors.New("first fails")
	})
	err := wq.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES ('after', '1')`)
		return err
	})
	if err != nil {
		t.Fatalf("submit after failure: %v", err)
	}

	var value string
	if err := store.Read().QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'after'`).Scan(&value); err != nil {
		t.Fatalf("later submission not applied: %v", err)
	}
}

func TestWriterPanicRollsBackAndPropagates(t *testing.T) {
	store, wq := newTestWriter(t)
	ctx := context.Background()

	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("panic did not propagate to submitter")
			}
			if r != "writer panic" {
				t.Fatalf("recovered %v, want writer panic", r)
			}
		}()
		_ = wq.Submit(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO settings (key, value) VALUES ('panicked', '1')`); err != nil {
				return err
			}
			panic("writer panic")
		})
	}()

	var count int
	if err := store.Read().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settings WHERE key = 'panicked'`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("panicked row survived rollback, count = %d", count)
	}

	// Queue must remain usable after a panic.
	if err := wq.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES ('recovered', '1')`)
		return err
	}); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
}

func TestWriterCloseDrainsQueue(t *testing.T) {
	store := newTestStore(t)
	wq := NewWriterQueue(store, nil)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = wq.Submit(ctx, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO settings (key, value) VALUES (?, '1')`,
					"drain"+strconv.Itoa(i))
				return err
			})
		}()
	}
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wq.Close(closeCtx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	var count int
	if err := store.Read().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settings WHERE key LIKE 'drain%'`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != n {
		t.Errorf("drained count = %d, want %d", count, n)
	}
}

func TestWriterSubmitAfterClose(t *testing.T) {
	store := newTestStore(t)
	wq := NewWriterQueue(store, nil)
	ctx := context.Background()

	if err := wq.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	err := wq.Submit(ctx, func(tx *sql.Tx) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("submit after close = %v, want ErrClosed", err)
	}
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	wq := NewWriterQueue(store, nil)
	ctx := context.Background()

	if err := wq.Close(ctx); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := wq.Close(ctx); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestWriterDepthReturnsToZero(t *testing.T) {
	_, wq := newTestWriter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := wq.Submit(ctx, func(tx *sql.Tx) error { return nil }); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	if d := wq.Depth(); d != 0 {
		t.Errorf("depth after drained submissions = %d, want 0", d)
	}
}
