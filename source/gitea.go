package source

import (
	"context"
	"fmt"
	"time"

	"code.gitea.io/sdk/gitea"

	"driftsync.dev/credstore"
	"driftsync.dev/entity"
	"driftsync.dev/token"
)

const giteaPageSize = 50

// GiteaSource streams repositories and their issues from a Gitea instance.
// Entity types: "repository" and "issue".
type GiteaSource struct {
	baseURL string
	owner   string // restrict to one owner/org; empty streams the token's repos
	tokens  token.Provider

	cursorField string
	cursorSince time.Time
}

func newGiteaSource(_ *credstore.Credentials, cfg map[string]any, tokens token.Provider) (Source, error) {
	baseURL := stringOpt(cfg, "base_url", "")
	if baseURL == "" {
		return nil, fmt.Errorf("gitea: base_url is required")
	}
	return &GiteaSource{
		baseURL: baseURL,
		owner:   stringOpt(cfg, "owner", ""),
		tokens:  tokens,
	}, nil
}

func (s *GiteaSource) Name() string { return "gitea" }

func (s *GiteaSource) client(tok string) (*gitea.Client, error) {
	return gitea.NewClient(s.baseURL, gitea.SetToken(tok))
}

func (s *GiteaSource) Validate(ctx context.Context) error {
	return ValidateConnection(ctx, s.tokens, s.baseURL+"/api/v1/user")
}

func (s *GiteaSource) DefaultCursorField() string { return "updated_at" }

func (s *GiteaSource) ValidateCursorField(field string) error {
	if field != "updated_at" {
		return fmt.Errorf("gitea: unsupported cursor field %q", field)
	}
	return nil
}

func (s *GiteaSource) SetCursor(field string, value any) {
	s.cursorField = field
	if ts, ok := value.(time.Time); ok {
		s.cursorSince = ts
	}
}

func (s *GiteaSource) EffectiveCursorField() string {
	if s.cursorField != "" {
		return s.cursorField
	}
	return s.DefaultCursorField()
}

func (s *GiteaSource) GenerateEntities(ctx context.Context) (<-chan Result, error) {
	out := make(chan Result)
	go func() {
		defer close(out)
		if err := s.stream(ctx, out); err != nil && ctx.Err() == nil {
			emit(ctx, out, Result{Err: err})
		}
	}()
	return out, nil
}

func (s *GiteaSource) stream(ctx context.Context, out chan<- Result) error {
	for page := 1; ; page++ {
		var repos []*gitea.Repository
		err := callWithAuthRetry(ctx, s.tokens, func(tok string) (int, error) {
			client, err := s.client(tok)
			if err != nil {
				return 0, err
			}
			var resp *gitea.Response
			repos, resp, err = client.ListMyRepos(gitea.ListReposOptions{
				ListOptions: gitea.ListOptions{Page: page, PageSize: giteaPageSize},
			})
			return status(resp), err
		})
		if err != nil {
			return fmt.Errorf("gitea: list repos page %d: %w", page, err)
		}
		if len(repos) == 0 {
			return nil
		}

		for _, repo := range repos {
			if s.owner != "" && repo.Owner != nil && repo.Owner.UserName != s.owner {
				continue
			}
			if !s.cursorSince.IsZero() && repo.Updated.Before(s.cursorSince) {
				continue
			}
			if !emit(ctx, out, Result{Entity: repoEntity(repo)}) {
				return nil
			}
			if err := s.streamIssues(ctx, out, repo); err != nil {
				return err
			}
		}
		if len(repos) < giteaPageSize {
			return nil
		}
	}
}

func (s *GiteaSource) streamIssues(ctx context.Context, out chan<- Result, repo *gitea.Repository) error {
	owner := ""
	if repo.Owner != nil {
		owner = repo.Owner.UserName
	}
	for page := 1; ; page++ {
		var issues []*gitea.Issue
		err := callWithAuthRetry(ctx, s.tokens, func(tok string) (int, error) {
			client, err := s.client(tok)
			if err != nil {
				return 0, err
			}
			var resp *gitea.Response
			issues, resp, err = client.ListRepoIssues(owner, repo.Name, gitea.ListIssueOption{
				ListOptions: gitea.ListOptions{Page: page, PageSize: giteaPageSize},
				State:       gitea.StateAll,
				Since:       s.cursorSince,
			})
			return status(resp), err
		})
		if err != nil {
			return fmt.Errorf("gitea: list issues of %s page %d: %w", repo.FullName, page, err)
		}
		if len(issues) == 0 {
			return nil
		}
		for _, issue := range issues {
			if !emit(ctx, out, Result{Entity: issueEntity(repo, owner, issue)}) {
				return nil
			}
		}
		if len(issues) < giteaPageSize {
			return nil
		}
	}
}

func repoEntity(repo *gitea.Repository) *entity.Entity {
	owner := ""
	if repo.Owner != nil {
		owner = repo.Owner.UserName
	}
	return &entity.Entity{
		ID:   fmt.Sprintf("gitea-repo-%d", repo.ID),
		Type: "repository",
		Fields: map[string]any{
			"name":        repo.Name,
			"full_name":   repo.FullName,
			"owner":       owner,
			"description": repo.Description,
			"html_url":    repo.HTMLURL,
			"updated_at":  repo.Updated.UTC().Format(time.RFC3339),
		},
	}
}

func issueEntity(repo *gitea.Repository, owner string, issue *gitea.Issue) *entity.Entity {
	return &entity.Entity{
		ID:       fmt.Sprintf("gitea-issue-%d", issue.ID),
		Type:     "issue",
		ParentID: fmt.Sprintf("gitea-repo-%d", repo.ID),
		Breadcrumbs: []entity.Breadcrumb{
			{ID: fmt.Sprintf("gitea-repo-%d", repo.ID), Name: repo.FullName, Type: "repository"},
		},
		Fields: map[string]any{
			"number":     issue.Index,
			"title":      issue.Title,
			"body":       issue.Body,
			"state":      string(issue.State),
			"repository": repo.FullName,
			"owner":      owner,
			"updated_at": issue.Updated.UTC().Format(time.RFC3339),
		},
	}
}

// status extracts the HTTP status from a gitea response, tolerating nil.
func status(resp *gitea.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

func init() {
	Register("gitea", newGiteaSource)
}
