package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tgfeed/tca/internal/dedupe"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
	"github.com/tgfeed/tca/internal/upstream"
)

// fakeSource hands out one shared fake client, connecting it on demand the
// way the real manager does.
type fakeSource struct {
	client *upstream.Fake
}

func (s *fakeSource) ClientFor(ctx context.Context, accountID int64) (upstream.Client, error) {
	if !s.client.IsConnected() {
		if err := s.client.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return s.client, nil
}

type ingestEnv struct {
	st   *storage.Store
	w    *storage.WriterQueue
	set  *settings.Store
	fake *upstream.Fake
	p    *Pipeline
	acct *types.Account
	ch   *types.Channel
	now  time.Time
	jobN int
}

func newIngestEnv(t *testing.T) *ingestEnv {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, filepath.Join(t.TempDir(), "ingest.db"), storage.Options{})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	w := storage.NewWriterQueue(st, nil)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(cctx)
		_ = st.Close()
	})
	set := settings.NewStore(st, w)
	if err := set.Seed(ctx); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	e := &ingestEnv{
		st:   st,
		w:    w,
		set:  set,
		fake: upstream.NewFake(),
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	nowFn := func() time.Time { return e.now }
	eng := dedupe.NewEngine(st, w, set, dedupe.Options{Now: nowFn})
	e.p = New(st, w, set, eng, &fakeSource{client: e.fake}, Options{Now: nowFn})

	err = w.Submit(ctx, func(tx *sql.Tx) error {
		e.acct = &types.Account{APIID: 7, APIHashEnc: []byte{0x01}}
		if err := repo.CreateAccount(ctx, tx, e.acct); err != nil {
			return err
		}
		e.ch = &types.Channel{AccountID: e.acct.ID, TGChannelID: 900, Name: "wire", IsEnabled: true}
		return repo.CreateChannel(ctx, tx, e.ch)
	})
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	return e
}

// newJob persists a poll job row for the env channel, like the scheduler.
func (e *ingestEnv) newJob(t *testing.T) *types.PollJob {
	t.Helper()
	ctx := context.Background()
	e.jobN++
	job := &types.PollJob{ChannelID: e.ch.ID, CorrelationID: fmt.Sprintf("corr-%d", e.jobN)}
	err := e.w.Submit(ctx, func(tx *sql.Tx) error {
		return repo.CreatePollJob(ctx, tx, job)
	})
	if err != nil {
		t.Fatalf("create poll job: %v", err)
	}
	return job
}

func (e *ingestEnv) process(t *testing.T, job *types.PollJob) {
	t.Helper()
	if err := e.p.processJob(context.Background(), job); err != nil {
		t.Fatalf("process job %d: %v", job.ID, err)
	}
}

func (e *ingestEnv) msg(id int64, text string) upstream.Message {
	return upstream.Message{ID: id, Date: e.now.Add(-time.Hour), Text: text}
}

func (e *ingestEnv) state(t *testing.T) *types.ChannelState {
	t.Helper()
	state, err := repo.GetChannelState(context.Background(), e.st.Read(), e.ch.ID)
	if err != nil {
		t.Fatalf("get channel state: %v", err)
	}
	return state
}

func (e *ingestEnv) jobGone(t *testing.T) {
	t.Helper()
	pending, err := repo.HasPendingPollJob(context.Background(), e.st.Read(), e.ch.ID)
	if err != nil {
		t.Fatalf("has pending job: %v", err)
	}
	if pending {
		t.Error("poll job row still present")
	}
}

func (e *ingestEnv) countItems(t *testing.T) int {
	t.Helper()
	var n int
	err := e.st.Read().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM items WHERE channel_id = ?`, e.ch.ID).Scan(&n)
	if err != nil {
		t.Fatalf("count items: %v", err)
	}
	return n
}

func (e *ingestEnv) notifications(t *testing.T, typ string) []*types.Notification {
	t.Helper()
	all, err := repo.ListNotifications(context.Background(), e.st.Read(), false, repo.DefaultPage)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	var out []*types.Notification
	for _, n := range all {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func TestProcessJobIngestsAndAdvancesCursor(t *testing.T) {
	e := newIngestEnv(t)
	e.fake.Seed(e.ch.TGChannelID,
		e.msg(10, "Grid operator reports record load\nlink: https://ex.com/a"),
		e.msg(11, "Second story\nbody"),
		e.msg(12, "Third story\nbody"),
	)

	e.process(t, e.newJob(t))

	if got := e.countItems(t); got != 3 {
		t.Fatalf("stored %d items, want 3", got)
	}
	counts, err := repo.CountItemsByState(context.Background(), e.st.Read())
	if err != nil {
		t.Fatalf("count by state: %v", err)
	}
	if counts[types.DedupeDone] != 3 || counts[types.DedupePending] != 0 {
		t.Errorf("state counts = %v, want 3 deduped, 0 pending", counts)
	}

	state := e.state(t)
	if state.Cursor.LastMessageID == nil || *state.Cursor.LastMessageID != 12 {
		t.Errorf("cursor last_message_id = %v, want 12", state.Cursor.LastMessageID)
	}
	if state.LastSuccessAt == nil || !state.LastSuccessAt.Equal(e.now) {
		t.Errorf("last_success_at = %v, want %v", state.LastSuccessAt, e.now)
	}
	e.jobGone(t)

	// Raw payload persisted and linked.
	raw, err := repo.GetRawMessage(context.Background(), e.st.Read(), 1)
	if err != nil {
		t.Fatalf("get raw message: %v", err)
	}
	if raw.TGMessageID != 10 || raw.Payload == "" {
		t.Errorf("raw row = %+v, want tg_message_id 10 with payload", raw)
	}
}

func TestProcessJobPaginatesToCap(t *testing.T) {
	e := newIngestEnv(t)
	ctx := context.Background()
	if err := e.set.Set(ctx, settings.KeyMaxPages, "2"); err != nil {
		t.Fatalf("set max pages: %v", err)
	}
	if err := e.set.Set(ctx, settings.KeyMaxMessages, "2"); err != nil {
		t.Fatalf("set max messages: %v", err)
	}
	for id := int64(10); id < 15; id++ {
		e.fake.Seed(e.ch.TGChannelID, e.msg(id, fmt.Sprintf("story %d", id)))
	}

	// First poll is capped at 2 pages × 2 messages.
	e.process(t, e.newJob(t))
	if got := e.countItems(t); got != 4 {
		t.Fatalf("stored %d items after capped poll, want 4", got)
	}
	state := e.state(t)
	if state.Cursor.LastMessageID == nil || *state.Cursor.LastMessageID != 13 {
		t.Fatalf("cursor = %v, want 13", state.Cursor.LastMessageID)
	}

	// Next poll resumes past the cursor and drains the rest.
	e.process(t, e.newJob(t))
	if got := e.countItems(t); got != 5 {
		t.Fatalf("stored %d items after second poll, want 5", got)
	}
	if calls := len(e.fake.FetchCalls); calls != 3 {
		t.Errorf("fetch calls = %d, want 3 (2 capped + 1 final)", calls)
	}
}

func TestProcessJobEmptyPollStillSucceeds(t *testing.T) {
	e := newIngestEnv(t)

	e.process(t, e.newJob(t))

	state := e.state(t)
	if state.LastSuccessAt == nil {
		t.Error("empty poll did not stamp last_success_at")
	}
	if state.Cursor.LastMessageID != nil {
		t.Errorf("cursor advanced to %v with no messages", *state.Cursor.LastMessageID)
	}
	e.jobGone(t)
}

func TestFloodWaitPausesChannelAndNotifies(t *testing.T) {
	e := newIngestEnv(t)
	e.fake.FailNextFetch(&upstream.Error{Kind: upstream.KindFloodWait, WaitSeconds: 600})

	e.process(t, e.newJob(t))

	state := e.state(t)
	wantUntil := e.now.Add(600 * time.Second)
	if state.PausedUntil == nil || !state.PausedUntil.Equal(wantUntil) {
		t.Errorf("paused_until = %v, want %v", state.PausedUntil, wantUntil)
	}
	if state.LastSuccessAt != nil {
		t.Error("failed poll stamped last_success_at")
	}
	e.jobGone(t)

	notes := e.notifications(t, types.NotifyFloodWait)
	if len(notes) != 1 {
		t.Fatalf("flood-wait notifications = %d, want 1", len(notes))
	}
	if notes[0].Severity != types.SeverityMedium {
		t.Errorf("severity = %s, want medium", notes[0].Severity)
	}

	errs, err := repo.ListIngestErrors(context.Background(), e.st.Read(), types.StageFetch, repo.DefaultPage)
	if err != nil {
		t.Fatalf("list ingest errors: %v", err)
	}
	if len(errs) != 1 || errs[0].ErrorCode != string(upstream.KindFloodWait) {
		t.Errorf("ingest errors = %+v, want one flood-wait fetch error", errs)
	}
}

func TestShortFloodWaitPausesWithoutNotification(t *testing.T) {
	e := newIngestEnv(t)
	e.fake.FailNextFetch(&upstream.Error{Kind: upstream.KindFloodWait, WaitSeconds: 30})

	e.process(t, e.newJob(t))

	if state := e.state(t); state.PausedUntil == nil {
		t.Error("short flood wait did not pause the channel")
	}
	if notes := e.notifications(t, types.NotifyFloodWait); len(notes) != 0 {
		t.Errorf("notifications = %d, want 0 below the threshold", len(notes))
	}
}

func TestFetchErrorCapturedAndCursorHeld(t *testing.T) {
	e := newIngestEnv(t)
	e.fake.Seed(e.ch.TGChannelID, e.msg(10, "story"))
	e.fake.FailNextFetch(errors.New("tls handshake reset"))

	e.process(t, e.newJob(t))

	state := e.state(t)
	if state.LastSuccessAt != nil || state.Cursor.LastMessageID != nil {
		t.Error("failed poll advanced the cursor")
	}
	e.jobGone(t)

	errs, err := repo.ListIngestErrors(context.Background(), e.st.Read(), types.StageFetch, repo.DefaultPage)
	if err != nil {
		t.Fatalf("list ingest errors: %v", err)
	}
	if len(errs) != 1 || errs[0].ErrorCode != "internal" {
		t.Fatalf("ingest errors = %+v, want one internal fetch error", errs)
	}
	if errs[0].ChannelID == nil || *errs[0].ChannelID != e.ch.ID {
		t.Errorf("error channel = %v, want %d", errs[0].ChannelID, e.ch.ID)
	}

	// The next job retries from the same offset and succeeds.
	e.process(t, e.newJob(t))
	if got := e.countItems(t); got != 1 {
		t.Fatalf("stored %d items after retry, want 1", got)
	}
}

func TestCorruptCursorIsResetAndPollRecovers(t *testing.T) {
	e := newIngestEnv(t)
	ctx := context.Background()
	e.fake.Seed(e.ch.TGChannelID, e.msg(10, "story after recovery"))

	err := e.w.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE channel_state SET cursor = ? WHERE channel_id = ?`,
			`{"last_message_id":`, e.ch.ID)
		return err
	})
	if err != nil {
		t.Fatalf("corrupt cursor: %v", err)
	}

	e.process(t, e.newJob(t))

	// The bad cursor is filed, reset, and the poll starts over.
	errs, err := repo.ListIngestErrors(ctx, e.st.Read(), types.StageFetch, repo.DefaultPage)
	if err != nil {
		t.Fatalf("list ingest errors: %v", err)
	}
	if len(errs) != 1 || errs[0].ErrorCode != "internal" {
		t.Fatalf("ingest errors = %+v, want one internal fetch error", errs)
	}
	if got := e.countItems(t); got != 1 {
		t.Fatalf("stored %d items, want 1 from the recovery poll", got)
	}
	state := e.state(t)
	if state.Cursor.LastMessageID == nil || *state.Cursor.LastMessageID != 10 {
		t.Errorf("cursor = %v, want 10 after recovery", state.Cursor.LastMessageID)
	}
	e.jobGone(t)
}

func TestRiskEscalationPausesAccountExactlyOnce(t *testing.T) {
	e := newIngestEnv(t)
	riskErr := func() *upstream.Error {
		return &upstream.Error{Kind: upstream.KindSessionExpired, Err: errors.New("AUTH_KEY_UNREGISTERED")}
	}
	ctx := context.Background()

	// Two risk events: below the threshold, account stays up.
	for i := 0; i < 2; i++ {
		e.fake.FailNextConnect(riskErr())
		e.process(t, e.newJob(t))
	}
	acct, err := repo.GetAccount(ctx, e.st.Read(), e.acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Paused() {
		t.Fatal("account paused before the third risk event")
	}

	// Third event inside the window escalates.
	e.fake.FailNextConnect(riskErr())
	e.process(t, e.newJob(t))

	acct, err = repo.GetAccount(ctx, e.st.Read(), e.acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acct.Paused() || acct.PauseReason != types.PauseReasonRisk {
		t.Fatalf("account = %+v, want paused with reason %q", acct, types.PauseReasonRisk)
	}
	notes := e.notifications(t, types.NotifyAccountRisk)
	if len(notes) != 1 {
		t.Fatalf("risk notifications = %d, want exactly 1", len(notes))
	}
	if notes[0].Severity != types.SeverityHigh {
		t.Errorf("severity = %s, want high", notes[0].Severity)
	}

	// Further events on the already-paused account never double-notify.
	for i := 0; i < riskThreshold; i++ {
		e.p.recordRisk(ctx, e.acct.ID, riskErr(), e.now.Add(time.Minute))
	}
	if notes := e.notifications(t, types.NotifyAccountRisk); len(notes) != 1 {
		t.Errorf("risk notifications after extra events = %d, want 1", len(notes))
	}
}

func TestPausedAccountDropsJobWithoutFetching(t *testing.T) {
	e := newIngestEnv(t)
	ctx := context.Background()
	err := e.w.Submit(ctx, func(tx *sql.Tx) error {
		return repo.PauseAccount(ctx, tx, e.acct.ID, types.PauseReasonRisk, e.now)
	})
	if err != nil {
		t.Fatalf("pause account: %v", err)
	}

	e.process(t, e.newJob(t))

	if calls := len(e.fake.FetchCalls); calls != 0 {
		t.Errorf("fetch calls = %d, want 0 for paused account", calls)
	}
	e.jobGone(t)
}

func TestDuplicateAcrossChannelsJoinsCluster(t *testing.T) {
	e := newIngestEnv(t)
	ctx := context.Background()

	var other *types.Channel
	err := e.w.Submit(ctx, func(tx *sql.Tx) error {
		other = &types.Channel{AccountID: e.acct.ID, TGChannelID: 901, Name: "mirror", IsEnabled: true}
		return repo.CreateChannel(ctx, tx, other)
	})
	if err != nil {
		t.Fatalf("create second channel: %v", err)
	}

	text := "Fusion milestone confirmed\nhttps://example.com/fusion"
	e.fake.Seed(e.ch.TGChannelID, e.msg(10, text))
	e.fake.Seed(other.TGChannelID, e.msg(20, text))

	e.process(t, e.newJob(t))
	otherJob := &types.PollJob{ChannelID: other.ID, CorrelationID: "corr-other"}
	err = e.w.Submit(ctx, func(tx *sql.Tx) error {
		return repo.CreatePollJob(ctx, tx, otherJob)
	})
	if err != nil {
		t.Fatalf("create second job: %v", err)
	}
	e.process(t, otherJob)

	cl, err := repo.GetClusterOfItem(ctx, e.st.Read(), 1)
	if err != nil {
		t.Fatalf("cluster of first item: %v", err)
	}
	n, err := repo.CountClusterMembers(ctx, e.st.Read(), cl.ID)
	if err != nil {
		t.Fatalf("count members: %v", err)
	}
	if n != 2 {
		t.Fatalf("cluster members = %d, want 2 (mirrored URL collapses)", n)
	}
}

func TestRefetchWithUnchangedContentKeepsVerdict(t *testing.T) {
	e := newIngestEnv(t)
	ctx := context.Background()
	msg := e.msg(10, "Stable headline\nbody")

	stats := &pollStats{}
	if err := e.p.ingestMessage(ctx, e.ch, nil, msg, stats); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	first, err := repo.ListDecisionsForItem(ctx, e.st.Read(), 1, repo.DefaultPage)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}

	if err := e.p.ingestMessage(ctx, e.ch, nil, msg, stats); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	second, err := repo.ListDecisionsForItem(ctx, e.st.Read(), 1, repo.DefaultPage)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(second) != len(first) {
		t.Errorf("decisions grew from %d to %d on unchanged refetch", len(first), len(second))
	}
	if got := e.countItems(t); got != 1 {
		t.Errorf("items = %d, want 1", got)
	}
}

func TestEditedMessageGoesBackThroughDedupe(t *testing.T) {
	e := newIngestEnv(t)
	ctx := context.Background()

	stats := &pollStats{}
	if err := e.p.ingestMessage(ctx, e.ch, nil, e.msg(10, "Original headline\nbody"), stats); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	first, err := repo.ListDecisionsForItem(ctx, e.st.Read(), 1, repo.DefaultPage)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}

	if err := e.p.ingestMessage(ctx, e.ch, nil, e.msg(10, "Edited headline entirely\nnew body"), stats); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	second, err := repo.ListDecisionsForItem(ctx, e.st.Read(), 1, repo.DefaultPage)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(second) <= len(first) {
		t.Errorf("edited content did not produce a fresh decision trace (%d -> %d)", len(first), len(second))
	}
}

func TestRunProcessesEnqueuedJobs(t *testing.T) {
	e := newIngestEnv(t)
	e.fake.Seed(e.ch.TGChannelID, e.msg(10, "story"))
	job := e.newJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.p.Run(ctx) }()

	if err := e.p.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		pending, err := repo.HasPendingPollJob(context.Background(), e.st.Read(), e.ch.ID)
		if err != nil {
			t.Fatalf("has pending: %v", err)
		}
		if !pending {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job not processed before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v on cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop after cancel")
	}

	if got := e.countItems(t); got != 1 {
		t.Errorf("items = %d, want 1", got)
	}
}
