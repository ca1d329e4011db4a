package service

import (
	"readlater_sync/internal/domain"
)

// Resolve decides which version of a conflicting article survives. It returns
// false under MANUAL, in which case nothing may be written.
//
// The result is stamped as reconciled at remote.UpdatedAt so that later
// detection compares server timestamps with server timestamps only.
func Resolve(local, remote *domain.Article, strategy domain.ConflictStrategy) (*domain.Article, bool) {
	switch strategy {
	case domain.LocalWins:
		return keepLocal(local, remote), true
	case domain.RemoteWins:
		return takeRemote(remote), true
	case domain.LastWriteWins:
		// Whole-record decision; ties go to the remote so devices converge.
		if local.UpdatedAt.After(remote.UpdatedAt) {
			return keepLocal(local, remote), true
		}
		return takeRemote(remote), true
	default:
		return nil, false
	}
}

// keepLocal keeps the local fields and leaves the row modified so the next
// upload pushes it over the remote version.
func keepLocal(local, remote *domain.Article) *domain.Article {
	out := local.Clone()
	syncedAt := remote.UpdatedAt
	out.SyncedAt = &syncedAt
	out.IsModified = true
	return out
}

func takeRemote(remote *domain.Article) *domain.Article {
	out := remote.Clone()
	syncedAt := remote.UpdatedAt
	out.SyncedAt = &syncedAt
	out.IsModified = false
	out.IsDeleted = false
	out.Tags = domain.NormalizeTags(out.Tags)
	return out
}
