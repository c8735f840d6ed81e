package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"depot/internal/checkout"
	derrors "depot/internal/errors"
	"depot/internal/graph"
	"depot/internal/safe"
	"depot/internal/snapshot"
	"depot/internal/storage"
	"depot/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	handler   http.Handler
	graph     *graph.Graph
	checkouts *checkout.Manager
	commits   []*graph.Commit
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend, err := safe.NewFileBackend(filepath.Join(t.TempDir(), "content"))
	require.NoError(t, err)
	s, err := safe.New(db, safe.Options{Backend: backend})
	require.NoError(t, err)

	g := graph.New(db, zap.NewNop())
	_, err = g.CreateProject(ctx, "demo", "main")
	require.NoError(t, err)

	srv := &testServer{graph: g}
	tree := shared.Tree{}
	for i, content := range []string{"1", "1x", "1xx"} {
		meta, err := s.Put(ctx, []byte(content))
		require.NoError(t, err)
		typ := shared.ChangeModified
		if i == 0 {
			typ = shared.ChangeAdded
		}
		ch := shared.Change{Path: "a.txt", Type: typ, NewHash: meta.Hash, FileID: "f-a", Size: meta.Size, Lines: meta.Lines}
		tree = graph.ApplyChanges(tree, []shared.Change{ch})
		c, err := g.AppendCommit(ctx, &graph.Commit{
			Project: "demo",
			Branch:  "main",
			Author:  "alice",
			Message: "edit " + content,
			Changes: []shared.Change{ch},
		}, tree)
		require.NoError(t, err)
		srv.commits = append(srv.commits, c)
	}

	srv.checkouts = checkout.New(db, g, s, snapshot.New(db), nil, zap.NewNop())
	srv.handler = NewRouter(NewHandler(g, srv.checkouts, nil))
	return srv
}

func (s *testServer) get(t *testing.T, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func TestHealth(t *testing.T) {
	srv := setupTestServer(t)
	var body map[string]string
	rec := srv.get(t, "/health", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestProjectsAndBranches(t *testing.T) {
	srv := setupTestServer(t)

	var projects []graph.Project
	srv.get(t, "/api/projects", &projects)
	require.Len(t, projects, 1)
	assert.Equal(t, "demo", projects[0].Name)

	var branches []graph.Branch
	srv.get(t, "/api/projects/demo/branches", &branches)
	require.Len(t, branches, 1)
	assert.Equal(t, srv.commits[2].ID, branches[0].Head)

	var b graph.Branch
	rec := srv.get(t, "/api/projects/demo/branches/main", &b)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "main", b.Name)
}

func TestLog(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"default", "", 3},
		{"limited", "?n=2", 2},
		{"all", "?n=0", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var commits []graph.Commit
			rec := srv.get(t, "/api/projects/demo/branches/main/log"+tt.query, &commits)
			require.Equal(t, http.StatusOK, rec.Code)
			require.Len(t, commits, tt.want)
			assert.Equal(t, srv.commits[2].ID, commits[0].ID)
		})
	}

	rec := srv.get(t, "/api/projects/demo/branches/main/log?n=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommitAndFiles(t *testing.T) {
	srv := setupTestServer(t)
	id := srv.commits[1].ID

	var c graph.Commit
	rec := srv.get(t, "/api/commits/"+id, &c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, srv.commits[0].ID, c.Parent)
	assert.Equal(t, "edit 1x", c.Message)

	var files []shared.FileState
	rec = srv.get(t, "/api/commits/"+id+"/files", &files)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0].Path)
	assert.Equal(t, srv.commits[1].Changes[0].NewHash, files[0].Hash)
}

func TestCheckouts(t *testing.T) {
	srv := setupTestServer(t)

	var cos []checkout.Checkout
	srv.get(t, "/api/projects/demo/checkouts", &cos)
	assert.Empty(t, cos)

	co, err := srv.checkouts.Checkout(context.Background(), "demo", "main", filepath.Join(t.TempDir(), "w"), checkout.Options{})
	require.NoError(t, err)

	srv.get(t, "/api/projects/demo/checkouts", &cos)
	require.Len(t, cos, 1)
	assert.Equal(t, co.ID, cos[0].ID)
	assert.Equal(t, srv.commits[2].ID, cos[0].BaseCommit)
}

func TestErrors(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/api/projects/nope", http.StatusNotFound},
		{"/api/projects/nope/branches", http.StatusNotFound},
		{"/api/projects/demo/branches/nope", http.StatusNotFound},
		{"/api/projects/demo/branches/nope/log", http.StatusNotFound},
		{"/api/projects/nope/checkouts", http.StatusNotFound},
		{"/api/commits/deadbeef", http.StatusNotFound},
		{"/api/commits/deadbeef/files", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := srv.get(t, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code)

			var body derrors.Error
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, derrors.ErrorTypeNotFound, body.Type)
			assert.NotEmpty(t, body.Message)
		})
	}

	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/projects", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
