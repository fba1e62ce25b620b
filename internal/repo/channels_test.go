package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

func TestCreateChannelDuplicateTGID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	acct := seedAccount(t, db)
	seedChannel(t, db, acct.ID, 777)

	dup := &types.Channel{AccountID: acct.ID, TGChannelID: 777, Name: "other"}
	err := CreateChannel(ctx, db.Write(), dup)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate tg_channel_id error = %v, want ErrConflict", err)
	}
}

func TestCreateChannelInitializesState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	acct := seedAccount(t, db)
	ch := seedChannel(t, db, acct.ID, 100)

	state, err := GetChannelState(ctx, db.Read(), ch.ID)
	if err != nil {
		t.Fatalf("state row missing after create: %v", err)
	}
	if state.Cursor.LastMessageID != nil || state.Cursor.NextOffsetID != nil || state.Cursor.LastPolledAt != nil {
		t.Errorf("fresh cursor not empty: %+v", state.Cursor)
	}
	if state.LastSuccessAt != nil {
		t.Errorf("fresh state has last_success_at = %v", state.LastSuccessAt)
	}
}

func TestListSchedulableChannels(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	active := seedAccount(t, db)
	paused := seedAccount(t, db)
	if err := PauseAccount(ctx, db.Write(), paused.ID, types.PauseReasonRisk, time.Now()); err != nil {
		t.Fatalf("pause account: %v", err)
	}

	enabled := seedChannel(t, db, active.ID, 1)
	disabled := seedChannel(t, db, active.ID, 2)
	if err := SetChannelEnabled(ctx, db.Write(), disabled.ID, false); err != nil {
		t.Fatalf("disable channel: %v", err)
	}
	onPaused := seedChannel(t, db, paused.ID, 3)

	got, err := ListSchedulableChannels(ctx, db.Read())
	if err != nil {
		t.Fatalf("list schedulable: %v", err)
	}
	if len(got) != 1 || got[0].ID != enabled.ID {
		ids := make([]int64, len(got))
		for i, c := range got {
			ids[i] = c.ID
		}
		t.Errorf("schedulable ids = %v, want [%d] (disabled %d and paused-account %d excluded)",
			ids, enabled.ID, disabled.ID, onPaused.ID)
	}
}

func TestResumeAccountClearsPause(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	acct := seedAccount(t, db)

	if err := PauseAccount(ctx, db.Write(), acct.ID, types.PauseReasonRisk, time.Now()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, err := GetAccount(ctx, db.Read(), acct.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Paused() || got.PauseReason != types.PauseReasonRisk {
		t.Fatalf("account not paused as requested: %+v", got)
	}

	if err := ResumeAccount(ctx, db.Write(), acct.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, err = GetAccount(ctx, db.Read(), acct.ID)
	if err != nil {
		t.Fatalf("get after resume: %v", err)
	}
	if got.Paused() || got.PauseReason != "" {
		t.Errorf("resume did not clear pause: %+v", got)
	}
}

func TestGetChannelNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := GetChannel(context.Background(), db.Read(), 9999)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing channel error = %v, want ErrNotFound", err)
	}
}

func TestUpdateChannelInfo(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	acct := seedAccount(t, db)
	ch := seedChannel(t, db, acct.ID, 42)

	hash := int64(987654)
	if err := UpdateChannelInfo(ctx, db.Write(), ch.ID, "renamed", "newuser", &hash); err != nil {
		t.Fatalf("update info: %v", err)
	}
	got, err := GetChannel(ctx, db.Read(), ch.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "renamed" || got.Username != "newuser" {
		t.Errorf("info not updated: %+v", got)
	}
	if got.AccessHash == nil || *got.AccessHash != hash {
		t.Errorf("access_hash = %v, want %d", got.AccessHash, hash)
	}
}
