package service

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"readlater_sync/internal/domain"
)

type LibraryTestSuite struct {
	suite.Suite
	ctx     context.Context
	local   *memStore
	library *Library
	now     time.Time
}

func (s *LibraryTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.local = newMemStore()
	s.now = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.library = NewLibrary(s.local, logger)
	s.library.now = func() time.Time { return s.now }
}

func TestLibraryTestSuite(t *testing.T) {
	suite.Run(t, new(LibraryTestSuite))
}

func (s *LibraryTestSuite) TestAdd() {
	article, err := s.library.Add(s.ctx, "https://blog.example.com/posts/1", "Post", []string{" go ", "go", "db"})
	s.Require().NoError(err)

	s.True(domain.IsLocalID(article.ID))
	s.True(article.IsModified)
	s.Nil(article.SyncedAt)
	s.Equal("https://blog.example.com", article.SourceURL)
	s.Equal([]string{"db", "go"}, article.Tags)
	s.True(article.CreatedAt.Equal(s.now))

	stored, err := s.library.Get(s.ctx, article.ID)
	s.Require().NoError(err)
	s.Equal(article.Title, stored.Title)
}

func (s *LibraryTestSuite) TestAdd_RejectsInvalidURL() {
	for _, raw := range []string{"", "not a url", "/relative/path"} {
		_, err := s.library.Add(s.ctx, raw, "x", nil)
		s.Error(err, raw)
	}
	s.Zero(s.local.count())
}

func (s *LibraryTestSuite) TestEditsMarkModified() {
	s.local.put(&domain.Article{ID: "srv_1", Title: "T", UpdatedAt: s.now.Add(-time.Hour)})

	s.Require().NoError(s.library.SetFlags(s.ctx, "srv_1", FlagUpdate{IsRead: ptr(true)}))
	row, _ := s.local.get("srv_1")
	s.True(row.IsRead)
	s.False(row.IsFavorite)
	s.True(row.IsModified)
	s.True(row.UpdatedAt.Equal(s.now))

	s.now = s.now.Add(time.Minute)
	s.Require().NoError(s.library.SetTags(s.ctx, "srv_1", []string{"b", "a"}))
	s.Require().NoError(s.library.Rename(s.ctx, "srv_1", "Renamed"))
	row, _ = s.local.get("srv_1")
	s.Equal([]string{"a", "b"}, row.Tags)
	s.Equal("Renamed", row.Title)
	s.True(row.UpdatedAt.Equal(s.now))

	s.Error(s.library.Rename(s.ctx, "srv_1", ""))
}

func (s *LibraryTestSuite) TestEditMissingArticle() {
	err := s.library.SetFlags(s.ctx, "srv_404", FlagUpdate{IsFavorite: ptr(true)})
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *LibraryTestSuite) TestRemove() {
	s.local.put(&domain.Article{ID: "srv_1", Title: "synced", UpdatedAt: s.now.Add(-time.Hour)})
	local, err := s.library.Add(s.ctx, "https://example.com/x", "", nil)
	s.Require().NoError(err)

	s.Require().NoError(s.library.Remove(s.ctx, local.ID))
	_, ok := s.local.get(local.ID)
	s.False(ok)

	s.Require().NoError(s.library.Remove(s.ctx, "srv_1"))
	row, ok := s.local.get("srv_1")
	s.Require().True(ok)
	s.True(row.IsDeleted)
	s.True(row.IsModified)

	_, err = s.library.Get(s.ctx, "srv_1")
	s.ErrorIs(err, domain.ErrNotFound)
	s.ErrorIs(s.library.Remove(s.ctx, "srv_1"), domain.ErrNotFound)
}
