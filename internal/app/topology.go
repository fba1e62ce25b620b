package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// topologyVersion is the current export document version.
const topologyVersion = 1

// topologyDoc is the YAML shape of an exported topology. It carries the
// accounts/channels/groups wiring and nothing secret: api hashes, sessions,
// cursors, and items stay home.
type topologyDoc struct {
	Version  int          `yaml:"version"`
	Groups   []groupDoc   `yaml:"groups,omitempty"`
	Accounts []accountDoc `yaml:"accounts,omitempty"`
}

type groupDoc struct {
	Name                 string `yaml:"name"`
	Description          string `yaml:"description,omitempty"`
	DedupeHorizonMinutes *int   `yaml:"dedupe_horizon_minutes,omitempty"`
}

type accountDoc struct {
	APIID    int64        `yaml:"api_id"`
	Channels []channelDoc `yaml:"channels,omitempty"`
}

type channelDoc struct {
	TGChannelID int64  `yaml:"tg_channel_id"`
	AccessHash  *int64 `yaml:"access_hash,omitempty"`
	Name        string `yaml:"name"`
	Username    string `yaml:"username,omitempty"`
	Enabled     bool   `yaml:"enabled"`
	Group       string `yaml:"group,omitempty"`
}

// ImportStats tallies what an import changed.
type ImportStats struct {
	GroupsCreated   int
	ChannelsCreated int
	ChannelsUpdated int
	// AccountsSkipped lists api_ids with no matching local account; their
	// channels were not imported because channels cannot exist without
	// credentials.
	AccountsSkipped []int64
}

// ExportTopology serializes the full accounts/channels/groups wiring as
// YAML. The document round-trips through ImportTopology on another store.
func ExportTopology(ctx context.Context, st *storage.Store) ([]byte, error) {
	doc := topologyDoc{Version: topologyVersion}

	groups, err := listAllGroups(ctx, st)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		doc.Groups = append(doc.Groups, groupDoc{
			Name:                 g.Name,
			Description:          g.Description,
			DedupeHorizonMinutes: g.DedupeHorizonMinutes,
		})
	}

	accounts, err := listAllAccounts(ctx, st)
	if err != nil {
		return nil, err
	}
	for _, acct := range accounts {
		ad := accountDoc{APIID: acct.APIID}
		channels, err := listAccountChannels(ctx, st, acct.ID)
		if err != nil {
			return nil, err
		}
		for _, ch := range channels {
			cd := channelDoc{
				TGChannelID: ch.TGChannelID,
				AccessHash:  ch.AccessHash,
				Name:        ch.Name,
				Username:    ch.Username,
				Enabled:     ch.IsEnabled,
			}
			g, err := repo.GetChannelGroup(ctx, st.Read(), ch.ID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			if g != nil {
				cd.Group = g.Name
			}
			ad.Channels = append(ad.Channels, cd)
		}
		doc.Accounts = append(doc.Accounts, ad)
	}

	return yaml.Marshal(&doc)
}

// ImportTopology applies an exported document to this store in one
// transaction: groups are created by name, channels are matched by
// tg_channel_id under accounts matched by api_id. Accounts themselves are
// never created, since the document carries no credentials. A bad row
// aborts the whole import.
func ImportTopology(ctx context.Context, st *storage.Store, w *storage.WriterQueue, data []byte) (*ImportStats, error) {
	var doc topologyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if doc.Version != 0 && doc.Version != topologyVersion {
		return nil, fmt.Errorf("unsupported topology version %d", doc.Version)
	}

	stats := &ImportStats{}
	err := w.Submit(ctx, func(tx *sql.Tx) error {
		groupIDs := make(map[string]int64)
		for _, gd := range doc.Groups {
			id, created, err := ensureGroup(ctx, tx, gd)
			if err != nil {
				return err
			}
			groupIDs[gd.Name] = id
			if created {
				stats.GroupsCreated++
			}
		}

		for _, ad := range doc.Accounts {
			acctID, err := accountByAPIID(ctx, tx, ad.APIID)
			if errors.Is(err, storage.ErrNotFound) {
				stats.AccountsSkipped = append(stats.AccountsSkipped, ad.APIID)
				continue
			}
			if err != nil {
				return err
			}
			for _, cd := range ad.Channels {
				created, err := applyChannel(ctx, tx, acctID, cd, groupIDs)
				if err != nil {
					return err
				}
				if created {
					stats.ChannelsCreated++
				} else {
					stats.ChannelsUpdated++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(stats.AccountsSkipped, func(i, j int) bool {
		return stats.AccountsSkipped[i] < stats.AccountsSkipped[j]
	})
	return stats, nil
}

// ensureGroup finds or creates the named group and reconciles its horizon
// with the document.
func ensureGroup(ctx context.Context, tx *sql.Tx, gd groupDoc) (int64, bool, error) {
	g, err := repo.GetGroupByName(ctx, tx, gd.Name)
	if errors.Is(err, storage.ErrNotFound) {
		ng := &types.Group{
			Name:                 gd.Name,
			Description:          gd.Description,
			DedupeHorizonMinutes: gd.DedupeHorizonMinutes,
		}
		if err := repo.CreateGroup(ctx, tx, ng); err != nil {
			return 0, false, err
		}
		return ng.ID, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !equalHorizon(g.DedupeHorizonMinutes, gd.DedupeHorizonMinutes) {
		if err := repo.SetGroupHorizon(ctx, tx, g.ID, gd.DedupeHorizonMinutes); err != nil {
			return 0, false, err
		}
	}
	return g.ID, false, nil
}

func equalHorizon(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// applyChannel creates or reconciles one channel row plus its group binding.
func applyChannel(ctx context.Context, tx *sql.Tx, accountID int64, cd channelDoc, groupIDs map[string]int64) (bool, error) {
	if cd.Group != "" {
		if _, ok := groupIDs[cd.Group]; !ok {
			return false, fmt.Errorf("channel %d references undeclared group %q", cd.TGChannelID, cd.Group)
		}
	}

	existing, err := repo.GetChannelByTGID(ctx, tx, cd.TGChannelID)
	created := false
	var channelID int64
	switch {
	case errors.Is(err, storage.ErrNotFound):
		ch := &types.Channel{
			AccountID:   accountID,
			TGChannelID: cd.TGChannelID,
			AccessHash:  cd.AccessHash,
			Name:        cd.Name,
			Username:    cd.Username,
			IsEnabled:   cd.Enabled,
		}
		if err := repo.CreateChannel(ctx, tx, ch); err != nil {
			return false, err
		}
		channelID = ch.ID
		created = true
	case err != nil:
		return false, err
	default:
		channelID = existing.ID
		if err := repo.UpdateChannelInfo(ctx, tx, channelID, cd.Name, cd.Username, cd.AccessHash); err != nil {
			return false, err
		}
		if existing.IsEnabled != cd.Enabled {
			if err := repo.SetChannelEnabled(ctx, tx, channelID, cd.Enabled); err != nil {
				return false, err
			}
		}
	}

	// Re-binding goes through unassign first; assigning over an existing
	// binding is a conflict.
	if err := repo.UnassignChannel(ctx, tx, channelID); err != nil {
		return false, err
	}
	if cd.Group == "" {
		return created, nil
	}
	return created, repo.AssignChannelToGroup(ctx, tx, channelID, groupIDs[cd.Group])
}

func accountByAPIID(ctx context.Context, tx *sql.Tx, apiID int64) (int64, error) {
	accounts, err := listAll(func(page repo.Page) ([]*types.Account, error) {
		return repo.ListAccounts(ctx, tx, page)
	})
	if err != nil {
		return 0, err
	}
	for _, a := range accounts {
		if a.APIID == apiID {
			return a.ID, nil
		}
	}
	return 0, storage.ErrNotFound
}

func listAllGroups(ctx context.Context, st *storage.Store) ([]*types.Group, error) {
	return listAll(func(page repo.Page) ([]*types.Group, error) {
		return repo.ListGroups(ctx, st.Read(), page)
	})
}

func listAllAccounts(ctx context.Context, st *storage.Store) ([]*types.Account, error) {
	return listAll(func(page repo.Page) ([]*types.Account, error) {
		return repo.ListAccounts(ctx, st.Read(), page)
	})
}

func listAccountChannels(ctx context.Context, st *storage.Store, accountID int64) ([]*types.Channel, error) {
	return listAll(func(page repo.Page) ([]*types.Channel, error) {
		return repo.ListChannelsByAccount(ctx, st.Read(), accountID, page)
	})
}

// listAll drains a paged list call.
func listAll[T any](list func(repo.Page) ([]T, error)) ([]T, error) {
	var out []T
	for page := 1; ; page++ {
		batch, err := list(repo.Page{Number: page, Size: repo.MaxPageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < repo.MaxPageSize {
			return out, nil
		}
	}
}
