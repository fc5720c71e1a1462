package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/interruption"
	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/workflow"
)

// maxBodyBytes caps request bodies (workflow definitions, patterns).
const maxBodyBytes = 4 << 20

// Workflows is the engine surface the API exposes.
type Workflows interface {
	CreateWorkflow(def *workflow.Definition) (string, error)
	StartWorkflow(ctx context.Context, id string) (workflow.StatusReport, error)
	PauseWorkflow(id string) error
	ResumeWorkflow(id string) error
	CancelWorkflow(id string) error
	DeleteWorkflow(id string) error
	GetWorkflowStatus(id string) (workflow.StatusReport, error)
	ListWorkflows() []workflow.StatusReport
	RetryWorkflow(id string, fromBeginning bool) error
	RecoverWorkflow(dir, id string) (string, error)
}

// Interruptions is the pattern and policy surface the API exposes.
type Interruptions interface {
	Patterns() []interruption.Pattern
	AddPattern(p interruption.Pattern) error
	RemovePattern(id string) bool
	Policies() []interruption.SitePolicy
	AddToWhitelist(domain string, t interruption.Type) error
	AddToBlacklist(domain string, t interruption.Type) error
	Stats() interruption.Stats
	ResetStats()
}

// Plugins lists registered plugins and runs their actions.
type Plugins interface {
	List() []plugin.Handle
	Initialize(ctx context.Context, id string, cfg map[string]interface{}) error
	Execute(ctx context.Context, id, action string, params map[string]interface{}) (map[string]interface{}, error)
	Cleanup(ctx context.Context, id string) error
}

// Response is the envelope every endpoint answers with.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Handlers serves the workflow, pattern, policy and plugin endpoints.
type Handlers struct {
	log           *zap.Logger
	workflows     Workflows
	interruptions Interruptions
	plugins       Plugins

	// runCtx is the parent of workflows started through the API; it outlives requests.
	runCtx context.Context
	runs   sync.WaitGroup
}

// NewHandlers creates the API handlers. Workflows started through the API run
// under runCtx.
func NewHandlers(runCtx context.Context, logger *zap.Logger, workflows Workflows, interruptions Interruptions, plugins Plugins) *Handlers {
	return &Handlers{
		log:           logger.Named("api_handlers"),
		workflows:     workflows,
		interruptions: interruptions,
		plugins:       plugins,
		runCtx:        runCtx,
	}
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.HandleListWorkflows)
			r.Post("/", h.HandleCreateWorkflow)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.HandleGetWorkflow)
				r.Delete("/", h.HandleDeleteWorkflow)
				r.Post("/start", h.HandleStartWorkflow)
				r.Post("/pause", h.transition((Workflows).PauseWorkflow))
				r.Post("/resume", h.transition((Workflows).ResumeWorkflow))
				r.Post("/cancel", h.transition((Workflows).CancelWorkflow))
				r.Post("/retry", h.HandleRetryWorkflow)
				r.Post("/recover", h.HandleRecoverWorkflow)
			})
		})

		r.Get("/patterns", h.HandleListPatterns)
		r.Post("/patterns", h.HandleAddPattern)
		r.Delete("/patterns/{id}", h.HandleRemovePattern)
		r.Get("/interruptions/stats", h.HandleStats)
		r.Delete("/interruptions/stats", h.HandleResetStats)

		r.Get("/policies", h.HandleListPolicies)
		r.Put("/policies/{domain}/whitelist/{type}", h.policyUpdate((Interruptions).AddToWhitelist))
		r.Put("/policies/{domain}/blacklist/{type}", h.policyUpdate((Interruptions).AddToBlacklist))

		r.Get("/plugins", h.HandleListPlugins)
		r.Post("/plugins/{id}/actions/{action}", h.HandleExecuteAction)
		r.Delete("/plugins/{id}", h.HandleCleanupPlugin)
	})
}

// Wait blocks until every workflow started through the API has returned.
func (h *Handlers) Wait() { h.runs.Wait() }

// HandleHealthCheck confirms the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleCreateWorkflow accepts a definition as JSON, or YAML when the content
// type says so.
func (h *Handlers) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	def, err := workflow.ParseDefinition(body, definitionFormat(r))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.workflows.CreateWorkflow(def)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Info("Workflow created via API", zap.String("workflow_id", id))
	status, _ := h.workflows.GetWorkflowStatus(id)
	h.respondWithSuccess(w, http.StatusCreated, status)
}

func definitionFormat(r *http.Request) string {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return "yaml"
	default:
		return "json"
	}
}

// HandleListWorkflows reports every workflow.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.workflows.ListWorkflows())
}

// HandleGetWorkflow reports one workflow.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	status, err := h.workflows.GetWorkflowStatus(chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithWorkflowError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, status)
}

// HandleDeleteWorkflow forgets a workflow that is not running.
func (h *Handlers) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.DeleteWorkflow(chi.URLParam(r, "id")); err != nil {
		h.respondWithWorkflowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStartWorkflow starts a pending workflow in the background and answers
// 202. With ?wait=true it runs to the end and answers with the final status.
func (h *Handlers) HandleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.workflows.GetWorkflowStatus(id)
	if err != nil {
		h.respondWithWorkflowError(w, err)
		return
	}
	if status.Status != workflow.StatusPending {
		h.respondWithError(w, http.StatusConflict, fmt.Sprintf("workflow %s is %s", id, status.Status))
		return
	}
	h.launch(w, r, id)
}

// HandleRetryWorkflow resets a failed workflow and runs it again. Completed
// steps are kept unless ?from_beginning=true.
func (h *Handlers) HandleRetryWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fromBeginning := r.URL.Query().Get("from_beginning") == "true"
	if err := h.workflows.RetryWorkflow(id, fromBeginning); err != nil {
		h.respondWithWorkflowError(w, err)
		return
	}
	h.launch(w, r, id)
}

// HandleRecoverWorkflow rebuilds a workflow from its snapshot and continues
// it from the latest checkpoint.
func (h *Handlers) HandleRecoverWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.workflows.RecoverWorkflow("", id); err != nil {
		h.respondWithWorkflowError(w, err)
		return
	}
	h.launch(w, r, id)
}

// launch runs a PENDING workflow, in the background unless ?wait=true.
func (h *Handlers) launch(w http.ResponseWriter, r *http.Request, id string) {
	if r.URL.Query().Get("wait") == "true" {
		final, err := h.workflows.StartWorkflow(r.Context(), id)
		if err != nil && final.ID == "" {
			h.respondWithWorkflowError(w, err)
			return
		}
		h.respondWithSuccess(w, http.StatusOK, final)
		return
	}

	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		if _, err := h.workflows.StartWorkflow(h.runCtx, id); err != nil {
			h.log.Warn("Workflow started via API did not complete", zap.String("workflow_id", id), zap.Error(err))
		}
	}()
	h.respondWithSuccess(w, http.StatusAccepted, map[string]string{"id": id, "status": string(workflow.StatusRunning)})
}

// transition adapts pause, resume and cancel.
func (h *Handlers) transition(op func(Workflows, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(h.workflows, id); err != nil {
			h.respondWithWorkflowError(w, err)
			return
		}
		status, _ := h.workflows.GetWorkflowStatus(id)
		h.respondWithSuccess(w, http.StatusOK, status)
	}
}

// HandleListPatterns lists patterns in priority order.
func (h *Handlers) HandleListPatterns(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.interruptions.Patterns())
}

// HandleAddPattern adds or replaces a pattern.
func (h *Handlers) HandleAddPattern(w http.ResponseWriter, r *http.Request) {
	var p interruption.Pattern
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := h.interruptions.AddPattern(p); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondWithSuccess(w, http.StatusCreated, p)
}

// HandleRemovePattern deletes a pattern by id.
func (h *Handlers) HandleRemovePattern(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.interruptions.RemovePattern(id) {
		h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("pattern %s not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats reports interruption counters.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.interruptions.Stats())
}

// HandleResetStats zeroes the interruption counters.
func (h *Handlers) HandleResetStats(w http.ResponseWriter, r *http.Request) {
	h.interruptions.ResetStats()
	h.respondWithSuccess(w, http.StatusOK, h.interruptions.Stats())
}

// HandleListPolicies renders policies keyed by domain, as in the policy file.
func (h *Handlers) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]interruption.SitePolicy)
	for _, p := range h.interruptions.Policies() {
		out[p.Domain] = p
	}
	h.respondWithSuccess(w, http.StatusOK, out)
}

func (h *Handlers) policyUpdate(op func(Interruptions, string, interruption.Type) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain := chi.URLParam(r, "domain")
		rawType := chi.URLParam(r, "type")
		t, ok := interruption.ParseType(rawType)
		if !ok {
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("unknown interruption type %q", rawType))
			return
		}
		if err := op(h.interruptions, domain, t); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		for _, p := range h.interruptions.Policies() {
			if p.Domain == domain {
				h.respondWithSuccess(w, http.StatusOK, p)
				return
			}
		}
		h.respondWithSuccess(w, http.StatusOK, nil)
	}
}

type pluginView struct {
	plugin.Info
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// HandleListPlugins lists registered plugins and whether they are running.
func (h *Handlers) HandleListPlugins(w http.ResponseWriter, r *http.Request) {
	handles := h.plugins.List()
	out := make([]pluginView, 0, len(handles))
	for _, hd := range handles {
		v := pluginView{Info: hd.Info, Ready: hd.Ready}
		if hd.Err != nil {
			v.Error = hd.Err.Error()
		}
		out = append(out, v)
	}
	h.respondWithSuccess(w, http.StatusOK, out)
}

// HandleCleanupPlugin retires a running plugin instance. The next use starts a new one.
func (h *Handlers) HandleCleanupPlugin(w http.ResponseWriter, r *http.Request) {
	err := h.plugins.Cleanup(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, plugin.ErrPluginNotFound):
		h.respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, plugin.ErrInUse):
		h.respondWithError(w, http.StatusConflict, err.Error())
	default:
		h.respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

// HandleExecuteAction runs one plugin action, initializing the plugin first if
// needed. The body is the action's params object. The result is flattened to
// {success, error?, ...data}.
func (h *Handlers) HandleExecuteAction(w http.ResponseWriter, r *http.Request) {
	id, action := chi.URLParam(r, "id"), chi.URLParam(r, "action")

	params := map[string]interface{}{}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid params: %v", err))
			return
		}
	}

	if err := h.plugins.Initialize(r.Context(), id, nil); err != nil {
		if errors.Is(err, plugin.ErrPluginNotFound) {
			h.respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	data, err := h.plugins.Execute(r.Context(), id, action, params)
	result := actionResult(data, err)
	if err != nil {
		h.log.Warn("Plugin action failed", zap.String("plugin_id", id), zap.String("action", action), zap.Error(err))
		status := http.StatusUnprocessableEntity
		if errors.Is(err, plugin.ErrUnknownAction) || errors.Is(err, plugin.ErrInvalidParam) {
			status = http.StatusBadRequest
		}
		h.respond(w, status, Response{Status: "error", Data: result, Error: err.Error()})
		return
	}
	h.respondWithSuccess(w, http.StatusOK, result)
}

// actionResult merges data under the success and error keys, which win on collision.
func actionResult(data map[string]interface{}, err error) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	out["success"] = err == nil
	if err != nil {
		out["error"] = err.Error()
	} else {
		delete(out, "error")
	}
	return out
}

func (h *Handlers) respondWithWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrInvalidState):
		h.respondWithError(w, http.StatusConflict, err.Error())
	default:
		h.respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respond(w, statusCode, Response{Status: "error", Error: message})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respond(w, statusCode, Response{Status: "success", Data: data})
}

func (h *Handlers) respond(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
