// Package caselock serializes case processing across workers with a
// PostgreSQL lease. A worker holds its case for the whole engine run and
// renews the lease in the background; when renewal fails the case context
// is cancelled so the round loop stops before a second writer can start.
package caselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrBusy means another worker currently holds the case.
	ErrBusy = errors.New("case already held by another worker")
	// ErrLost means the lease could not be renewed and the run must stop.
	ErrLost = errors.New("case lease lost")
)

// DefaultTTL is generous because a round can spend minutes in oracle
// calls between renewal windows.
const DefaultTTL = 10 * time.Minute

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Client struct {
	db dbConn
}

type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	// Wait retries acquisition instead of failing fast with ErrBusy.
	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration

	// HolderTag prefixes the generated holder id in case_locks so an
	// operator can tell which worker owns a case. Defaults to the
	// hostname.
	HolderTag string
}

// Lease is a held case lock. Context derives from the acquiring context
// and is cancelled with the renewal error when the lease is lost.
type Lease struct {
	CaseID string
	Holder string

	Context context.Context

	client *Client
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(pool *pgxpool.Pool) *Client {
	return &Client{db: pool}
}

// WithCase runs fn while holding the case lease and releases it afterwards.
// fn receives the lease context and should stop promptly when it is
// cancelled.
func (c *Client) WithCase(ctx context.Context, caseID string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := c.Acquire(ctx, caseID, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.Background())
	}()
	return fn(lease.Context)
}

func (c *Client) Acquire(ctx context.Context, caseID string, opts Options) (*Lease, error) {
	if caseID == "" {
		return nil, errors.New("no case id provided")
	}

	if opts.TTL < time.Second {
		opts.TTL = DefaultTTL
	}
	if opts.RenewEvery <= 0 || opts.RenewEvery >= opts.TTL {
		opts.RenewEvery = max(opts.TTL/2, time.Second)
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 250 * time.Millisecond
	}
	if opts.WaitJitter < 0 {
		opts.WaitJitter = 0
	}
	if opts.HolderTag == "" {
		if host, err := os.Hostname(); err == nil {
			opts.HolderTag = host
		}
	}

	suffix, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	holder := suffix
	if opts.HolderTag != "" {
		holder = fmt.Sprintf("%s-%s", opts.HolderTag, suffix)
	}

	ttlMs := opts.TTL.Milliseconds()

	acquireOnce := func(ctx context.Context) (bool, error) {
		var returnedID string
		err := c.db.QueryRow(ctx, tryAcquireSQL, caseID, holder, ttlMs).Scan(&returnedID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, nil
			}
			return false, err
		}
		return returnedID != "", nil
	}

	for {
		ok, err := acquireOnce(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		if err := sleepWithJitter(ctx, opts.WaitInterval, opts.WaitJitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		CaseID:  caseID,
		Holder:  holder,
		Context: leaseCtx,
		client:  c,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}

	go l.renewLoop(opts.RenewEvery, ttlMs)

	return l, nil
}

func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})

	_, err := l.client.db.Exec(ctx, releaseSQL, l.CaseID, l.Holder)
	return err
}

func (l *Lease) renewLoop(every time.Duration, ttlMs int64) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.Context.Done():
			return
		case <-t.C:
			if err := l.renewOnce(ttlMs); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

// renewOnce retries transient failures but treats a vanished row as a
// hard loss: another worker may already hold the case.
func (l *Lease) renewOnce(ttlMs int64) error {
	for attempt := range 3 {
		renewCtx, cancel := context.WithTimeout(l.Context, 15*time.Second)
		var returnedID string
		err := l.client.db.QueryRow(renewCtx, renewSQL, l.CaseID, l.Holder, ttlMs).Scan(&returnedID)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		if attempt == 2 {
			return err
		}
		if err := sleepWithJitter(l.Context, 200*time.Millisecond, 0); err != nil {
			return err
		}
	}
	return ErrLost
}

func sleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const tryAcquireSQL = `
INSERT INTO case_locks (case_id, held_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (case_id) DO UPDATE
SET held_by    = EXCLUDED.held_by,
    expires_at = EXCLUDED.expires_at
WHERE case_locks.expires_at < now()
   OR case_locks.held_by = EXCLUDED.held_by
RETURNING case_id;
`

const renewSQL = `
UPDATE case_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE case_id = $1 AND held_by = $2
RETURNING case_id;
`

const releaseSQL = `
DELETE FROM case_locks
WHERE case_id = $1 AND held_by = $2;
`
