package source

import (
	"context"
	"fmt"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"driftsync.dev/credstore"
	"driftsync.dev/entity"
	"driftsync.dev/token"
)

const gitlabPageSize = 50

// GitLabSource streams projects and their issues from a GitLab instance.
// Entity types: "project" and "issue".
type GitLabSource struct {
	baseURL string
	tokens  token.Provider

	cursorField string
	cursorSince time.Time
}

func newGitLabSource(_ *credstore.Credentials, cfg map[string]any, tokens token.Provider) (Source, error) {
	baseURL := stringOpt(cfg, "base_url", "https://gitlab.com")
	return &GitLabSource{baseURL: baseURL, tokens: tokens}, nil
}

func (s *GitLabSource) Name() string { return "gitlab" }

func (s *GitLabSource) client(tok string) (*gitlab.Client, error) {
	return gitlab.NewOAuthClient(tok, gitlab.WithBaseURL(s.baseURL+"/api/v4"))
}

func (s *GitLabSource) Validate(ctx context.Context) error {
	return ValidateConnection(ctx, s.tokens, s.baseURL+"/api/v4/user")
}

func (s *GitLabSource) DefaultCursorField() string { return "updated_at" }

func (s *GitLabSource) ValidateCursorField(field string) error {
	if field != "updated_at" {
		return fmt.Errorf("gitlab: unsupported cursor field %q", field)
	}
	return nil
}

func (s *GitLabSource) SetCursor(field string, value any) {
	s.cursorField = field
	if ts, ok := value.(time.Time); ok {
		s.cursorSince = ts
	}
}

func (s *GitLabSource) EffectiveCursorField() string {
	if s.cursorField != "" {
		return s.cursorField
	}
	return s.DefaultCursorField()
}

func (s *GitLabSource) GenerateEntities(ctx context.Context) (<-chan Result, error) {
	out := make(chan Result)
	go func() {
		defer close(out)
		if err := s.stream(ctx, out); err != nil && ctx.Err() == nil {
			emit(ctx, out, Result{Err: err})
		}
	}()
	return out, nil
}

func (s *GitLabSource) stream(ctx context.Context, out chan<- Result) error {
	opts := &gitlab.ListProjectsOptions{
		Membership:  gitlab.Ptr(true),
		ListOptions: gitlab.ListOptions{Page: 1, PerPage: gitlabPageSize},
	}
	if !s.cursorSince.IsZero() {
		opts.LastActivityAfter = gitlab.Ptr(s.cursorSince)
	}

	for {
		var projects []*gitlab.Project
		var nextPage int
		err := callWithAuthRetry(ctx, s.tokens, func(tok string) (int, error) {
			client, err := s.client(tok)
			if err != nil {
				return 0, err
			}
			var resp *gitlab.Response
			projects, resp, err = client.Projects.ListProjects(opts, gitlab.WithContext(ctx))
			if resp != nil {
				nextPage = resp.NextPage
			}
			return glStatus(resp), err
		})
		if err != nil {
			return fmt.Errorf("gitlab: list projects page %d: %w", opts.Page, err)
		}

		for _, project := range projects {
			if !emit(ctx, out, Result{Entity: projectEntity(project)}) {
				return nil
			}
			if err := s.streamIssues(ctx, out, project); err != nil {
				return err
			}
		}
		if nextPage == 0 {
			return nil
		}
		opts.Page = nextPage
	}
}

func (s *GitLabSource) streamIssues(ctx context.Context, out chan<- Result, project *gitlab.Project) error {
	opts := &gitlab.ListProjectIssuesOptions{
		ListOptions: gitlab.ListOptions{Page: 1, PerPage: gitlabPageSize},
	}
	if !s.cursorSince.IsZero() {
		opts.UpdatedAfter = gitlab.Ptr(s.cursorSince)
	}

	for {
		var issues []*gitlab.Issue
		var nextPage int
		err := callWithAuthRetry(ctx, s.tokens, func(tok string) (int, error) {
			client, err := s.client(tok)
			if err != nil {
				return 0, err
			}
			var resp *gitlab.Response
			issues, resp, err = client.Issues.ListProjectIssues(project.ID, opts, gitlab.WithContext(ctx))
			if resp != nil {
				nextPage = resp.NextPage
			}
			return glStatus(resp), err
		})
		if err != nil {
			return fmt.Errorf("gitlab: list issues of %s page %d: %w", project.PathWithNamespace, opts.Page, err)
		}

		for _, issue := range issues {
			if !emit(ctx, out, Result{Entity: glIssueEntity(project, issue)}) {
				return nil
			}
		}
		if nextPage == 0 {
			return nil
		}
		opts.Page = nextPage
	}
}

func projectEntity(project *gitlab.Project) *entity.Entity {
	fields := map[string]any{
		"name":        project.Name,
		"path":        project.PathWithNamespace,
		"description": project.Description,
		"web_url":     project.WebURL,
	}
	if project.LastActivityAt != nil {
		fields["updated_at"] = project.LastActivityAt.UTC().Format(time.RFC3339)
	}
	return &entity.Entity{
		ID:     fmt.Sprintf("gitlab-project-%d", project.ID),
		Type:   "project",
		Fields: fields,
	}
}

func glIssueEntity(project *gitlab.Project, issue *gitlab.Issue) *entity.Entity {
	fields := map[string]any{
		"number":  issue.IID,
		"title":   issue.Title,
		"body":    issue.Description,
		"state":   issue.State,
		"project": project.PathWithNamespace,
		"web_url": issue.WebURL,
	}
	if issue.UpdatedAt != nil {
		fields["updated_at"] = issue.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return &entity.Entity{
		ID:       fmt.Sprintf("gitlab-issue-%d", issue.ID),
		Type:     "issue",
		ParentID: fmt.Sprintf("gitlab-project-%d", project.ID),
		Breadcrumbs: []entity.Breadcrumb{
			{ID: fmt.Sprintf("gitlab-project-%d", project.ID), Name: project.PathWithNamespace, Type: "project"},
		},
		Fields: fields,
	}
}

func glStatus(resp *gitlab.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

func init() {
	Register("gitlab", newGitLabSource)
}
