package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks ids generated on the device before the first upload.
const LocalIDPrefix = "local_"

type Article struct {
	ID         string     `db:"id" json:"id"`
	Title      string     `db:"title" json:"title"`
	URL        string     `db:"url" json:"url"`
	Summary    string     `db:"summary" json:"summary"`
	Content    string     `db:"content" json:"content"`
	ImageURL   string     `db:"image_url" json:"imageUrl"`
	SourceURL  string     `db:"source_url" json:"sourceUrl"`
	ReadTime   int        `db:"read_time" json:"readTime"`
	IsRead     bool       `db:"is_read" json:"isRead"`
	IsFavorite bool       `db:"is_favorite" json:"isFavorite"`
	IsArchived bool       `db:"is_archived" json:"isArchived"`
	Tags       []string   `db:"-" json:"tags"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
	SyncedAt   *time.Time `db:"synced_at" json:"syncedAt,omitempty"`
	IsModified bool       `db:"is_modified" json:"isModified"`

	// IsDeleted is a local tombstone, or a remote deletion notice on list entries.
	IsDeleted bool `db:"is_deleted" json:"isDeleted"`
}

// MutableFields is the subset of an article the user can change after creation.
type MutableFields struct {
	Title      string   `json:"title"`
	IsRead     bool     `json:"isRead"`
	IsFavorite bool     `json:"isFavorite"`
	IsArchived bool     `json:"isArchived"`
	Tags       []string `json:"tags"`
}

// ArticlePatch is a partial local update. Nil fields are left unchanged.
type ArticlePatch struct {
	Title      *string
	Summary    *string
	Content    *string
	ImageURL   *string
	SourceURL  *string
	ReadTime   *int
	IsRead     *bool
	IsFavorite *bool
	IsArchived *bool
	Tags       *[]string
	UpdatedAt  *time.Time
	SyncedAt   *time.Time
	IsModified *bool
	IsDeleted  *bool

	// ExpectedUpdatedAt makes the write conditional on the stored updated_at.
	ExpectedUpdatedAt *time.Time
}

func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

func (a *Article) Mutable() MutableFields {
	return MutableFields{
		Title:      a.Title,
		IsRead:     a.IsRead,
		IsFavorite: a.IsFavorite,
		IsArchived: a.IsArchived,
		Tags:       NormalizeTags(a.Tags),
	}
}

// Clone returns a deep copy.
func (a *Article) Clone() *Article {
	c := *a
	c.Tags = slices.Clone(a.Tags)
	if a.SyncedAt != nil {
		t := *a.SyncedAt
		c.SyncedAt = &t
	}
	return &c
}

// SameSyncedContent reports whether two versions agree on the fields that
// decide a conflict: title, the three flags and the tag set.
func SameSyncedContent(a, b *Article) bool {
	return a.Title == b.Title &&
		a.IsArchived == b.IsArchived &&
		a.IsFavorite == b.IsFavorite &&
		a.IsRead == b.IsRead &&
		slices.Equal(NormalizeTags(a.Tags), NormalizeTags(b.Tags))
}

// NormalizeTags trims, de-duplicates and sorts tags so they compare as a set.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// FullPatch builds a patch that overwrites every stored field with a's values.
func FullPatch(a *Article) ArticlePatch {
	tags := NormalizeTags(a.Tags)
	updatedAt := a.UpdatedAt
	return ArticlePatch{
		Title:      &a.Title,
		Summary:    &a.Summary,
		Content:    &a.Content,
		ImageURL:   &a.ImageURL,
		SourceURL:  &a.SourceURL,
		ReadTime:   &a.ReadTime,
		IsRead:     &a.IsRead,
		IsFavorite: &a.IsFavorite,
		IsArchived: &a.IsArchived,
		Tags:       &tags,
		UpdatedAt:  &updatedAt,
		SyncedAt:   a.SyncedAt,
		IsModified: &a.IsModified,
		IsDeleted:  &a.IsDeleted,
	}
}

// Apply copies the non-nil patch fields onto a.
func (p ArticlePatch) Apply(a *Article) {
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.Summary != nil {
		a.Summary = *p.Summary
	}
	if p.Content != nil {
		a.Content = *p.Content
	}
	if p.ImageURL != nil {
		a.ImageURL = *p.ImageURL
	}
	if p.SourceURL != nil {
		a.SourceURL = *p.SourceURL
	}
	if p.ReadTime != nil {
		a.ReadTime = *p.ReadTime
	}
	if p.IsRead != nil {
		a.IsRead = *p.IsRead
	}
	if p.IsFavorite != nil {
		a.IsFavorite = *p.IsFavorite
	}
	if p.IsArchived != nil {
		a.IsArchived = *p.IsArchived
	}
	if p.Tags != nil {
		a.Tags = NormalizeTags(*p.Tags)
	}
	if p.UpdatedAt != nil {
		a.UpdatedAt = *p.UpdatedAt
	}
	if p.SyncedAt != nil {
		t := *p.SyncedAt
		a.SyncedAt = &t
	}
	if p.IsModified != nil {
		a.IsModified = *p.IsModified
	}
	if p.IsDeleted != nil {
		a.IsDeleted = *p.IsDeleted
	}
}

type SyncState struct {
	ID           int64     `db:"id"`
	StoreID      string    `db:"store_id"`
	LastSyncedAt time.Time `db:"last_synced_at"`
	TotalSynced  int64     `db:"total_synced"`
}
