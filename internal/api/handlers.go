// Package api serves the read-only view of projects, branches and history.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"depot/internal/checkout"
	derrors "depot/internal/errors"
	"depot/internal/graph"
	"depot/internal/logging"
	"depot/internal/middleware"
	"depot/shared/types"

	"go.uber.org/zap"
)

const defaultLogLimit = 50

// Handler serves history and file states. It never returns blob bytes.
type Handler struct {
	graph     *graph.Graph
	checkouts *checkout.Manager
	logger    *logging.Logger
}

func NewHandler(g *graph.Graph, checkouts *checkout.Manager, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = &logging.Logger{Logger: zap.NewNop()}
	}
	return &Handler{graph: g, checkouts: checkouts, logger: logger}
}

// NewRouter mounts every endpoint behind the request id, logging and
// recovery middleware.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /api/projects", h.ListProjects)
	mux.HandleFunc("GET /api/projects/{project}", h.GetProject)
	mux.HandleFunc("GET /api/projects/{project}/branches", h.ListBranches)
	mux.HandleFunc("GET /api/projects/{project}/branches/{branch}", h.GetBranch)
	mux.HandleFunc("GET /api/projects/{project}/branches/{branch}/log", h.Log)
	mux.HandleFunc("GET /api/projects/{project}/checkouts", h.ListCheckouts)

	mux.HandleFunc("GET /api/commits/{id}", h.GetCommit)
	mux.HandleFunc("GET /api/commits/{id}/files", h.ListFiles)

	return middleware.Chain(
		mux,
		middleware.RequestID,
		middleware.Logger(h.logger),
		middleware.Recover(h.logger),
	)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.graph.ListProjects(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if projects == nil {
		projects = []*graph.Project{}
	}
	h.writeJSON(w, r, http.StatusOK, projects)
}

func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.graph.Project(r.Context(), r.PathValue("project"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, p)
}

func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.graph.ListBranches(r.Context(), r.PathValue("project"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, branches)
}

func (h *Handler) GetBranch(w http.ResponseWriter, r *http.Request) {
	b, err := h.graph.Branch(r.Context(), r.PathValue("project"), r.PathValue("branch"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, b)
}

// Log returns the newest n commits of a branch; n defaults to 50 and 0
// means the whole history.
func (h *Handler) Log(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			h.writeError(w, r, derrors.ValidationError("n must be a non-negative integer", raw))
			return
		}
		n = v
	}

	commits, err := h.graph.Log(r.Context(), r.PathValue("project"), r.PathValue("branch"), n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if commits == nil {
		commits = []*graph.Commit{}
	}
	h.writeJSON(w, r, http.StatusOK, commits)
}

func (h *Handler) ListCheckouts(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if _, err := h.graph.Project(r.Context(), project); err != nil {
		h.writeError(w, r, err)
		return
	}
	cos, err := h.checkouts.ListActive(r.Context(), project)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cos == nil {
		cos = []*checkout.Checkout{}
	}
	h.writeJSON(w, r, http.StatusOK, cos)
}

func (h *Handler) GetCommit(w http.ResponseWriter, r *http.Request) {
	c, err := h.graph.Commit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, c)
}

// ListFiles returns the file states of a commit ordered by path.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.graph.Commit(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	tree, err := h.graph.CommitTree(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	files := tree.Sorted()
	if files == nil {
		files = []shared.FileState{}
	}
	h.writeJSON(w, r, http.StatusOK, files)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithRequestID(r.Context()).Warn("encoding response", zap.Error(err))
	}
}

// writeError renders err as a typed error body. Errors outside the taxonomy
// are logged and reported as internal.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var body *derrors.Error
	if !errors.As(err, &body) {
		h.logger.WithRequestID(r.Context()).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		body = derrors.Internal("internal error")
	}
	h.writeJSON(w, r, body.Code, body)
}
