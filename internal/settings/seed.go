package settings

import (
	"context"
	"sort"

	"github.com/tgfeed/tca/internal/repo"
)

// Setting keys the core reads. Seeded on every boot with INSERT OR IGNORE:
// first boot inserts all of them, later boots backfill only missing keys,
// user edits are never touched.
const (
	KeyPollInterval    = "scheduler.default_poll_interval_seconds"
	KeyMaxPages        = "scheduler.max_pages_per_poll"
	KeyMaxMessages     = "scheduler.max_messages_per_poll"
	KeyDedupeHorizon   = "dedupe.default_horizon_minutes"
	KeySimilarity      = "dedupe.title_similarity_threshold"
	KeyMaxCandidates   = "dedupe.max_candidates"
	KeyRawRetention    = "retention.raw_messages_days"
	KeyItemRetention   = "retention.items_days"
	KeyErrRetention    = "retention.ingest_errors_days"
	KeyBackupRetain    = "backup.retain_count"
	KeyKEKSalt         = "auth.kek_salt"
	KeyKEKCheck        = "auth.kek_check"
	KeyKEKSaltNext     = "auth.kek_salt_next"
	KeyKEKCheckNext    = "auth.kek_check_next"
	KeyBootstrapDigest = "auth.bootstrap_token_digest"
)

// seeded maps every required key to its compiled-in default, as the JSON
// document that would sit in the row. Auth keys are not seeded; they are
// written once by unlock and bootstrap.
var seeded = map[string]string{
	KeyPollInterval:  "300",
	KeyMaxPages:      "3",
	KeyMaxMessages:   "300",
	KeyDedupeHorizon: "2880",
	KeySimilarity:    "0.92",
	KeyMaxCandidates: "50",
	KeyRawRetention:  "30",
	KeyItemRetention: "365",
	KeyErrRetention:  "90",
	KeyBackupRetain:  "7",
}

// SeededDefault returns the compiled-in default document for a key.
func SeededDefault(key string) (string, bool) {
	v, ok := seeded[key]
	return v, ok
}

// SeedAll backfills every missing seeded key inside the given transaction.
// Keys are written in sorted order so the first boot's row ids are stable.
func SeedAll(ctx context.Context, q repo.DBTX) error {
	keys := make([]string, 0, len(seeded))
	for k := range seeded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := repo.SeedSetting(ctx, q, k, seeded[k]); err != nil {
			return err
		}
	}
	return nil
}
