// Package sync periodically batches unsynced sessions, encrypts them, and
// pushes them to the Lore cloud service. One pass is transactional per
// batch: a batch that fails to push leaves its sessions marked unsynced for
// the next pass.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/varalys/lore/internal/cloud"
	"github.com/varalys/lore/internal/config"
	"github.com/varalys/lore/internal/credentials"
	cryptopkg "github.com/varalys/lore/internal/crypto"
	"github.com/varalys/lore/internal/store"
)

// Interval is the default time between automatic sync passes.
const Interval = 4 * time.Hour

// BatchSize is the number of sessions pushed to the cloud per request.
const BatchSize = 3

// checkInterval is how often the scheduler wakes up to check whether a
// sync pass is due; a sync rarely needs minute-level precision, but this
// keeps the daemon responsive to a freshly-elapsed schedule.
const checkInterval = time.Minute

// State is the durable scheduling cursor, persisted to
// ~/.lore/daemon_state.json so the daemon can resume its sync cadence
// across restarts instead of syncing on every launch.
type State struct {
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	NextSyncAt      *time.Time `json:"next_sync_at,omitempty"`
	LastSyncCount   int        `json:"last_sync_count"`
	LastSyncSuccess bool       `json:"last_sync_success"`
}

func statePath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon_state.json"), nil
}

// LoadState reads the sync cursor, returning a zero State if none exists
// yet.
func LoadState() (State, error) {
	path, err := statePath()
	if err != nil {
		return State{}, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read sync state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse sync state: %w", err)
	}
	return s, nil
}

// Save persists the cursor atomically: write to a temp file in the same
// directory, then rename over the target.
func (s State) Save() error {
	path, err := statePath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sync state temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename sync state file: %w", err)
	}
	return nil
}

// nextSyncTime schedules the following sync Interval after the last one,
// or Interval from now if that time has already passed (or there was no
// previous sync).
func nextSyncTime(last *time.Time, now time.Time) time.Time {
	if last == nil {
		return now.Add(Interval)
	}
	next := last.Add(Interval)
	if !next.After(now) {
		return now.Add(Interval)
	}
	return next
}

// Runner drives the periodic sync loop.
type Runner struct {
	Store *store.Store
}

// Run initializes the schedule and then blocks, performing a sync pass
// whenever the schedule comes due, until ctx is canceled.
func (r *Runner) Run(ctx context.Context) {
	state, err := LoadState()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load sync state, starting fresh")
	}
	next := nextSyncTime(state.LastSyncAt, time.Now())
	state.NextSyncAt = &next
	if err := state.Save(); err != nil {
		log.Warn().Err(err).Msg("failed to save initial sync state")
	} else {
		log.Info().Time("next_sync", next).Msg("periodic sync scheduled")
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err = LoadState()
			if err != nil {
				log.Warn().Err(err).Msg("failed to reload sync state")
				continue
			}
			if state.NextSyncAt == nil || time.Now().Before(*state.NextSyncAt) {
				continue
			}

			count, syncErr := r.RunOnce(ctx)
			now := time.Now()
			newNext := now.Add(Interval)
			state.LastSyncAt = &now
			state.NextSyncAt = &newNext
			state.LastSyncCount = count
			state.LastSyncSuccess = syncErr == nil
			if syncErr != nil {
				log.Info().Err(syncErr).Msg("periodic sync skipped or failed")
			} else {
				log.Info().Int("count", count).Msg("periodic sync completed")
			}
			if err := state.Save(); err != nil {
				log.Warn().Err(err).Msg("failed to save sync state")
			}
		}
	}
}

// RunOnce performs a single sync pass: load credentials, batch the
// unsynced sessions, encrypt and push each batch, and mark successes as
// synced. It always returns the number of sessions actually synced, even
// when it also returns an error (a partial batch failure still syncs
// everything pushed before the failure).
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}

	dir, err := config.Dir()
	if err != nil {
		return 0, err
	}
	backend := credentials.BackendFile
	if cfg.CredentialsBackend == "keyring" {
		backend = credentials.BackendKeyring
	}
	credStore := credentials.Open(backend, dir)
	creds, err := credStore.Load()
	if err != nil {
		return 0, fmt.Errorf("load credentials: %w", err)
	}
	if creds == nil || creds.APIKey == "" {
		return 0, fmt.Errorf("not logged in")
	}
	if creds.EncKeyHex == "" {
		return 0, fmt.Errorf("encryption key not configured")
	}
	encKey, err := cryptopkg.DecodeKeyHex(creds.EncKeyHex)
	if err != nil {
		return 0, fmt.Errorf("decode encryption key: %w", err)
	}

	if cfg.MachineID == "" {
		return 0, fmt.Errorf("machine id not configured")
	}

	sessions, err := r.Store.GetUnsyncedSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unsynced sessions: %w", err)
	}
	if len(sessions) == 0 {
		log.Debug().Msg("no sessions to sync")
		return 0, nil
	}
	log.Info().Int("count", len(sessions)).Msg("found sessions to sync")

	client := cloud.New(creds.CloudURL, creds.APIKey)

	total := 0
	for batchStart := 0; batchStart < len(sessions); batchStart += BatchSize {
		end := batchStart + BatchSize
		if end > len(sessions) {
			end = len(sessions)
		}
		batch := sessions[batchStart:end]

		pushSessions := make([]cloud.PushSession, 0, len(batch))
		ids := make([]string, 0, len(batch))
		for _, sess := range batch {
			messages, err := r.Store.GetMessages(ctx, sess.ID)
			if err != nil {
				log.Warn().Err(err).Str("session", sess.ID).Msg("failed to load messages for sync")
				continue
			}
			encoded, err := encryptMessages(messages, encKey)
			if err != nil {
				log.Warn().Err(err).Str("session", sess.ID).Msg("failed to encrypt session for sync")
				continue
			}
			updatedAt := sess.StartedAt
			if sess.EndedAt != nil {
				updatedAt = *sess.EndedAt
			}
			pushSessions = append(pushSessions, cloud.PushSession{
				ID:            sess.ID,
				MachineID:     cfg.MachineID,
				EncryptedData: encoded,
				Metadata: cloud.SessionMetadata{
					ToolName:     sess.Tool,
					ProjectPath:  sess.WorkingDirectory,
					StartedAt:    sess.StartedAt,
					EndedAt:      sess.EndedAt,
					MessageCount: sess.MessageCount,
				},
				UpdatedAt: updatedAt,
			})
			ids = append(ids, sess.ID)
		}

		if len(pushSessions) == 0 {
			continue
		}

		resp, err := client.Push(pushSessions)
		if err != nil {
			if cloud.QuotaExceeded(err) {
				log.Debug().Msg("sync stopped due to quota limit")
				return total, fmt.Errorf("sync stopped by quota limit: %w", err)
			}
			log.Warn().Err(err).Msg("failed to push batch")
			continue
		}

		if err := r.Store.MarkSessionsSynced(ctx, ids, resp.ServerTime); err != nil {
			log.Warn().Err(err).Msg("failed to mark sessions as synced")
			continue
		}
		total += resp.SyncedCount
	}

	return total, nil
}

func encryptMessages(messages []store.Message, key []byte) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("encode messages: %w", err)
	}
	encrypted, err := cryptopkg.Encrypt(data, key)
	if err != nil {
		return "", err
	}
	return cryptopkg.EncodeBase64(encrypted), nil
}
