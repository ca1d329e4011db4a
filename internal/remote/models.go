package remote

import "readlater_sync/internal/domain"

// listResponse is one page of GET /articles.
type listResponse struct {
	PageInfo pageInfo         `json:"pageInfo"`
	Content  []domain.Article `json:"content"`
}

type pageInfo struct {
	Page       int `json:"page"`
	NumPages   int `json:"numPages"`
	PageSize   int `json:"pageSize"`
	NumEntries int `json:"numEntries"`
}

type createRequest struct {
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Summary    string   `json:"summary,omitempty"`
	Content    string   `json:"content,omitempty"`
	ImageURL   string   `json:"imageUrl,omitempty"`
	SourceURL  string   `json:"sourceUrl,omitempty"`
	ReadTime   int      `json:"readTime,omitempty"`
	IsRead     bool     `json:"isRead"`
	IsFavorite bool     `json:"isFavorite"`
	IsArchived bool     `json:"isArchived"`
	Tags       []string `json:"tags"`
}

type contentResponse struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newCreateRequest(a *domain.Article) createRequest {
	return createRequest{
		Title:      a.Title,
		URL:        a.URL,
		Summary:    a.Summary,
		Content:    a.Content,
		ImageURL:   a.ImageURL,
		SourceURL:  a.SourceURL,
		ReadTime:   a.ReadTime,
		IsRead:     a.IsRead,
		IsFavorite: a.IsFavorite,
		IsArchived: a.IsArchived,
		Tags:       domain.NormalizeTags(a.Tags),
	}
}
