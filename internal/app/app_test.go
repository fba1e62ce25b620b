package app

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/tgfeed/tca/internal/config"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/secrets"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
	"github.com/tgfeed/tca/internal/upstream"
)

func unmarshalDoc(data []byte, doc *topologyDoc) error {
	return yaml.Unmarshal(data, doc)
}

// fakeManager satisfies UpstreamManager without ever dialing out.
type fakeManager struct {
	client *upstream.Fake
	closed bool
}

func (f *fakeManager) ClientFor(ctx context.Context, accountID int64) (upstream.Client, error) {
	return f.client, nil
}

func (f *fakeManager) CloseAll(ctx context.Context) error {
	f.closed = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBPath:    filepath.Join(dir, "tca.db"),
		Bind:      "127.0.0.1:8080",
		Mode:      config.ModeInteractive,
		LogLevel:  "ERROR",
		BackupDir: filepath.Join(dir, "backups"),
		TokenFile: filepath.Join(dir, "bootstrap_token"),
	}
}

func TestAppLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	fake := &fakeManager{client: upstream.NewFake()}

	a, err := Open(ctx, cfg, Options{Upstream: fake})
	if err != nil {
		t.Fatalf("failed to open app: %v", err)
	}

	// Serving requires key material.
	if err := a.Start(ctx); !errors.Is(err, secrets.ErrLocked) {
		t.Fatalf("start while locked = %v, want ErrLocked", err)
	}

	if err := a.Unlock(ctx, "correct horse battery"); err != nil {
		t.Fatalf("failed to unlock: %v", err)
	}
	created, err := a.EnsureBootstrap(ctx)
	if err != nil {
		t.Fatalf("failed to ensure bootstrap token: %v", err)
	}
	if !created {
		t.Fatal("first bootstrap must create the token")
	}
	if _, err := os.Stat(cfg.TokenFile); err != nil {
		t.Fatalf("token file missing: %v", err)
	}
	if created, _ := a.EnsureBootstrap(ctx); created {
		t.Fatal("bootstrap token must be generated exactly once")
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatal("double start must fail")
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shut down: %v", err)
	}
	if !fake.closed {
		t.Fatal("shutdown must disconnect upstream clients")
	}
	if !a.Store().IsClosed() {
		t.Fatal("shutdown must close the store")
	}
	err = a.Writer().Submit(ctx, func(tx *sql.Tx) error { return nil })
	if !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("submit after shutdown = %v, want ErrClosed", err)
	}
	if !a.Secrets().Keyring().Locked() {
		t.Fatal("shutdown must zeroize the keyring")
	}
}

func TestUnlockModeSelection(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Mode = config.ModeAutoUnlock
	cfg.SecretFile = filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(cfg.SecretFile, []byte("file passphrase\n"), 0o600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	a, err := Open(ctx, cfg, Options{Upstream: &fakeManager{client: upstream.NewFake()}})
	if err != nil {
		t.Fatalf("failed to open app: %v", err)
	}
	defer func() {
		if cerr := a.Close(ctx); cerr != nil {
			t.Errorf("failed to close app: %v", cerr)
		}
	}()

	// Auto-unlock ignores the passphrase argument and reads the file.
	if err := a.Unlock(ctx, "ignored"); err != nil {
		t.Fatalf("failed to auto-unlock: %v", err)
	}
	if a.Secrets().Keyring().Locked() {
		t.Fatal("keyring still locked after auto-unlock")
	}
}

// topoFixture is a bare store+writer pair for topology tests.
type topoFixture struct {
	st *storage.Store
	w  *storage.WriterQueue
}

func newTopoFixture(t *testing.T) *topoFixture {
	t.Helper()
	st, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "topo.db"), storage.Options{})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	w := storage.NewWriterQueue(st, nil)
	t.Cleanup(func() {
		if cerr := w.Close(context.Background()); cerr != nil {
			t.Errorf("failed to close writer: %v", cerr)
		}
		if cerr := st.Close(); cerr != nil {
			t.Errorf("failed to close store: %v", cerr)
		}
	})
	return &topoFixture{st: st, w: w}
}

func (f *topoFixture) account(t *testing.T, apiID int64) *types.Account {
	t.Helper()
	a := &types.Account{APIID: apiID, APIHashEnc: []byte{0x01}}
	if err := repo.CreateAccount(context.Background(), f.st.Write(), a); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return a
}

func TestTopologyRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTopoFixture(t)

	acct := src.account(t, 777)
	horizon := 1440
	group := &types.Group{Name: "news", Description: "daily digests", DedupeHorizonMinutes: &horizon}
	if err := repo.CreateGroup(ctx, src.st.Write(), group); err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	hash := int64(987654)
	chA := &types.Channel{AccountID: acct.ID, TGChannelID: 100123, AccessHash: &hash, Name: "Alpha", Username: "alpha", IsEnabled: true}
	chB := &types.Channel{AccountID: acct.ID, TGChannelID: 100456, Name: "Beta", IsEnabled: false}
	for _, ch := range []*types.Channel{chA, chB} {
		if err := repo.CreateChannel(ctx, src.st.Write(), ch); err != nil {
			t.Fatalf("failed to create channel: %v", err)
		}
	}
	if err := repo.AssignChannelToGroup(ctx, src.st.Write(), chA.ID, group.ID); err != nil {
		t.Fatalf("failed to assign channel: %v", err)
	}

	exported, err := ExportTopology(ctx, src.st)
	if err != nil {
		t.Fatalf("failed to export: %v", err)
	}

	dst := newTopoFixture(t)
	dst.account(t, 777)
	stats, err := ImportTopology(ctx, dst.st, dst.w, exported)
	if err != nil {
		t.Fatalf("failed to import: %v", err)
	}
	if stats.GroupsCreated != 1 || stats.ChannelsCreated != 2 || stats.ChannelsUpdated != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.AccountsSkipped) != 0 {
		t.Fatalf("no accounts should be skipped: %+v", stats.AccountsSkipped)
	}

	got, err := repo.GetChannelByTGID(ctx, dst.st.Read(), 100123)
	if err != nil {
		t.Fatalf("imported channel missing: %v", err)
	}
	if got.Name != "Alpha" || got.Username != "alpha" || !got.IsEnabled {
		t.Fatalf("channel fields lost: %+v", got)
	}
	if got.AccessHash == nil || *got.AccessHash != 987654 {
		t.Fatalf("access hash lost: %v", got.AccessHash)
	}
	g, err := repo.GetChannelGroup(ctx, dst.st.Read(), got.ID)
	if err != nil {
		t.Fatalf("group binding lost: %v", err)
	}
	if g.Name != "news" || g.DedupeHorizonMinutes == nil || *g.DedupeHorizonMinutes != 1440 {
		t.Fatalf("group fields lost: %+v", g)
	}

	// A second import reconciles instead of duplicating.
	stats, err = ImportTopology(ctx, dst.st, dst.w, exported)
	if err != nil {
		t.Fatalf("failed to re-import: %v", err)
	}
	if stats.GroupsCreated != 0 || stats.ChannelsCreated != 0 || stats.ChannelsUpdated != 2 {
		t.Fatalf("re-import stats: %+v", stats)
	}

	// The destination now exports an identical document.
	reexported, err := ExportTopology(ctx, dst.st)
	if err != nil {
		t.Fatalf("failed to re-export: %v", err)
	}
	var a, b topologyDoc
	if err := unmarshalDoc(exported, &a); err != nil {
		t.Fatal(err)
	}
	if err := unmarshalDoc(reexported, &b); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("round trip diverged:\n%s\nvs\n%s", exported, reexported)
	}
}

func TestImportSkipsUnknownAccounts(t *testing.T) {
	ctx := context.Background()
	doc := []byte(`
version: 1
accounts:
  - api_id: 424242
    channels:
      - tg_channel_id: 1
        name: orphan
        enabled: true
`)
	f := newTopoFixture(t)
	stats, err := ImportTopology(ctx, f.st, f.w, doc)
	if err != nil {
		t.Fatalf("failed to import: %v", err)
	}
	if len(stats.AccountsSkipped) != 1 || stats.AccountsSkipped[0] != 424242 {
		t.Fatalf("expected account 424242 skipped, got %+v", stats)
	}
	if stats.ChannelsCreated != 0 {
		t.Fatal("channels of a skipped account must not be created")
	}
}

func TestImportRejectsUndeclaredGroup(t *testing.T) {
	ctx := context.Background()
	f := newTopoFixture(t)
	f.account(t, 9)
	doc := []byte(`
version: 1
accounts:
  - api_id: 9
    channels:
      - tg_channel_id: 5
        name: chan
        enabled: true
        group: missing
`)
	if _, err := ImportTopology(ctx, f.st, f.w, doc); err == nil {
		t.Fatal("undeclared group reference must abort the import")
	}
	// The aborted transaction must leave nothing behind.
	if _, err := repo.GetChannelByTGID(ctx, f.st.Read(), 5); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("partial import leaked a channel: %v", err)
	}
}
