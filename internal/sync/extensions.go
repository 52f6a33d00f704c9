package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/stacklok/docsync/internal/store"
)

// UserGroupSyncer is the optional user group capability
type UserGroupSyncer interface {
	// OutdatedUserGroups lists groups whose documents need a metadata push
	OutdatedUserGroups(ctx context.Context, q store.Queries) ([]store.UserGroup, error)
	// GetUserGroup reads one group, returning store.ErrNotFound when it is gone
	GetUserGroup(ctx context.Context, q store.Queries, id int64) (*store.UserGroup, error)
	// DocumentIDs enumerates the documents reachable through the group
	DocumentIDs(ctx context.Context, q store.Queries, id int64) iter.Seq2[string, error]
	// Finalize settles a group whose fence drained. finalized is false when
	// nothing was done and the fence must be kept.
	Finalize(ctx context.Context, st store.Store, id int64) (finalized bool, err error)
	// CleanupCCPair drops group relationships of a pair being deleted
	CleanupCCPair(ctx context.Context, q store.Queries, ccPairID int64) error
}

// Extensions holds the optional capabilities, resolved once at startup
type Extensions struct {
	UserGroups UserGroupSyncer
}

// userGroups returns the configured capability or the no-op one
func (e Extensions) userGroups() UserGroupSyncer {
	if e.UserGroups == nil {
		return noopUserGroups{}
	}
	return e.UserGroups
}

type noopUserGroups struct{}

func (noopUserGroups) OutdatedUserGroups(context.Context, store.Queries) ([]store.UserGroup, error) {
	return nil, nil
}

func (noopUserGroups) GetUserGroup(_ context.Context, _ store.Queries, id int64) (*store.UserGroup, error) {
	return nil, fmt.Errorf("user group %d: %w", id, store.ErrNotFound)
}

func (noopUserGroups) DocumentIDs(context.Context, store.Queries, int64) iter.Seq2[string, error] {
	return func(func(string, error) bool) {}
}

func (noopUserGroups) Finalize(context.Context, store.Store, int64) (bool, error) {
	return false, nil
}

func (noopUserGroups) CleanupCCPair(context.Context, store.Queries, int64) error {
	return nil
}

// StoreUserGroups implements UserGroupSyncer on the user group tables
type StoreUserGroups struct{}

var _ UserGroupSyncer = StoreUserGroups{}

// OutdatedUserGroups lists groups not up to date
func (StoreUserGroups) OutdatedUserGroups(ctx context.Context, q store.Queries) ([]store.UserGroup, error) {
	return q.ListOutdatedUserGroups(ctx)
}

// GetUserGroup reads one group
func (StoreUserGroups) GetUserGroup(ctx context.Context, q store.Queries, id int64) (*store.UserGroup, error) {
	return q.GetUserGroup(ctx, id)
}

// DocumentIDs enumerates documents of every pair linked to the group
func (StoreUserGroups) DocumentIDs(ctx context.Context, q store.Queries, id int64) iter.Seq2[string, error] {
	return q.DocumentIDsForUserGroup(ctx, id)
}

// Finalize deletes a group marked for deletion, otherwise marks it up to date
func (StoreUserGroups) Finalize(ctx context.Context, st store.Store, id int64) (bool, error) {
	err := st.InTx(ctx, func(q store.Queries) error {
		group, err := q.GetUserGroup(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("User group vanished before finalization", "user_group_id", id)
			return nil
		}
		if err != nil {
			return err
		}

		if group.IsUpForDeletion {
			if err := q.DeleteUserGroup(ctx, id); err != nil {
				return err
			}
			slog.Info("Deleted user group", "user_group_id", id)
			return nil
		}

		if err := q.MarkUserGroupSynced(ctx, id); err != nil {
			return err
		}
		slog.Info("Synced user group", "user_group_id", id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to finalize user group %d: %w", id, err)
	}
	return true, nil
}

// CleanupCCPair drops the pair from every group
func (StoreUserGroups) CleanupCCPair(ctx context.Context, q store.Queries, ccPairID int64) error {
	return q.DeleteUserGroupCCPairLinks(ctx, ccPairID)
}
