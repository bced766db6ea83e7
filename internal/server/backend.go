package server

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/genx/internal/formatter"
	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
	"github.com/gorilla/websocket"
)

const maxUploadMemory = 32 << 20

// Options configures a [Backend].
type Options struct {
	Step      time.Duration // simulator tick interval
	UploadDir string        // where uploaded files are written; a temp dir when empty
	Logger    *log.Logger
}

// Backend is an in-memory stand-in for the generation service.
//
// It serves the REST resource under /api and task pushes under /ws/task/{id}.
type Backend struct {
	store     *Store
	hub       *Hub
	sim       *Simulator
	router    *BasicRouter
	uploadDir string
	logger    *log.Logger
}

// NewBackend creates the backend and registers its routes.
func NewBackend(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = shared.DiscardLogger()
	}
	logger = shared.WithLogger(logger, "component", "devserver")

	dir := opts.UploadDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "genx-uploads-")
		if err != nil {
			return nil, fmt.Errorf("failed to create upload dir: %w", err)
		}
		dir = tmp
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	store := NewStore()
	hub := NewHub(logger)
	b := &Backend{
		store:     store,
		hub:       hub,
		sim:       NewSimulator(store, hub, opts.Step, logger),
		router:    NewBasicRouter(),
		uploadDir: dir,
		logger:    logger,
	}

	b.router.Use(RequestLogger(logger), Recoverer(logger))
	b.routes()
	return b, nil
}

func (b *Backend) routes() {
	b.router.HandleFunc(http.MethodGet, "/api/health", b.health)
	b.router.HandleFunc(http.MethodPost, "/api/upload", b.upload)
	b.router.HandleFunc(http.MethodPost, "/api/generate", b.generate)
	b.router.HandleFunc(http.MethodGet, "/api/tasks", b.listTasks)
	b.router.HandleFunc(http.MethodGet, "/api/task/{id}", b.getTask)
	b.router.HandleFunc(http.MethodDelete, "/api/task/{id}", b.deleteTask)
	b.router.HandleFunc(http.MethodGet, "/api/download/{id}", b.download)
	b.router.HandleFunc(http.MethodGet, "/api/preview/{id}", b.preview)
	b.router.Handler(&socketHandler{
		store:    b.store,
		hub:      b.hub,
		logger:   b.logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	})
}

// ServeHTTP implements [http.Handler].
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) { b.router.ServeHTTP(w, r) }

func (b *Backend) Store() *Store         { return b.store }
func (b *Backend) Hub() *Hub             { return b.hub }
func (b *Backend) Simulator() *Simulator { return b.sim }
func (b *Backend) UploadDir() string     { return b.uploadDir }

// Fail makes an unfinished task fail now and pushes the change.
func (b *Backend) Fail(taskID, message string) bool {
	task, ok := b.store.Fail(taskID, message, time.Now())
	if ok {
		b.sim.Publish(task)
	}
	return ok
}

// Run drives the simulator until ctx is done, then closes every websocket.
func (b *Backend) Run(ctx context.Context) {
	b.sim.Run(ctx)
	b.hub.CloseAll()
}

// ListenAndServe serves the backend on addr until ctx is done.
func (b *Backend) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           b,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.Run(runCtx)

	serverErrors := make(chan error, 1)
	go func() {
		b.logger.Info("starting development backend", "addr", addr, "uploads", b.uploadDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		b.logger.Warn("error shutting down server", "error", err)
	}
	return nil
}

func (b *Backend) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"tasks":     len(b.store.List()),
		"timestamp": models.NewTimestamp(time.Now().UTC()),
	})
}

func (b *Backend) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	pdfs, models3D := r.MultipartForm.File["pdf_files"], r.MultipartForm.File["model_files"]
	if len(pdfs)+len(models3D) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	var result models.UploadResult
	for _, group := range []struct {
		kind  string
		files []*multipart.FileHeader
		out   *[]models.UploadedFile
	}{
		{models.UploadKindPDF, pdfs, &result.PDFFiles},
		{models.UploadKindModel, models3D, &result.ModelFiles},
	} {
		for _, fh := range group.files {
			file, err := b.save(fh)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			b.store.AddUpload(group.kind, file)
			*group.out = append(*group.out, file)
		}
	}

	writeEnvelope(w, http.StatusOK, "files uploaded", result)
}

func (b *Backend) save(fh *multipart.FileHeader) (models.UploadedFile, error) {
	src, err := fh.Open()
	if err != nil {
		return models.UploadedFile{}, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
	}
	defer src.Close()

	id := shared.GenerateID()
	path := filepath.Join(b.uploadDir, id+filepath.Ext(fh.Filename))
	dst, err := os.Create(path)
	if err != nil {
		return models.UploadedFile{}, fmt.Errorf("failed to store %s: %w", fh.Filename, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return models.UploadedFile{}, fmt.Errorf("failed to store %s: %w", fh.Filename, err)
	}
	return models.UploadedFile{ID: id, Filename: filepath.Base(fh.Filename), Path: path, Size: n}, nil
}

func (b *Backend) generate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request")
		return
	}

	var req models.GenerationRequest
	if err := shared.UnmarshalJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	task, err := b.store.Create(req, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b.logger.Info("task created", "task_id", task.TaskID, "pdf_files", len(req.PDFFiles), "model_files", len(req.ModelFiles))

	writeEnvelope(w, http.StatusOK, "generation started", models.SubmitResult{
		TaskID:    task.TaskID,
		ManualURL: "/api/preview/" + task.TaskID,
	})
}

func (b *Backend) listTasks(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"tasks": b.store.List()})
}

func (b *Backend) getTask(w http.ResponseWriter, r *http.Request) {
	task, ok := b.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeData(w, http.StatusOK, task)
}

func (b *Backend) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !b.store.Delete(id) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	b.hub.CloseTask(id)
	writeEnvelope(w, http.StatusOK, "task deleted", nil)
}

// completedTask resolves the {id} path value to a completed task or writes the error.
func (b *Backend) completedTask(w http.ResponseWriter, r *http.Request) (models.GenerationTask, bool) {
	task, ok := b.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return task, false
	}
	if task.Status != models.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("task is %s, not completed", task.Status))
		return task, false
	}
	return task, true
}

func (b *Backend) download(w http.ResponseWriter, r *http.Request) {
	task, ok := b.completedTask(w, r)
	if !ok {
		return
	}

	archive, err := buildArchive(task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(task.Result.OutputFile)))
	w.Header().Set("Content-Length", fmt.Sprint(len(archive)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (b *Backend) preview(w http.ResponseWriter, r *http.Request) {
	task, ok := b.completedTask(w, r)
	if !ok {
		return
	}

	manual, err := formatter.TaskToMarkdown(task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"task_id": task.TaskID,
		"status":  task.Status,
		"manual":  string(manual),
		"files":   task.Result.Files,
	})
}

// buildArchive packs the generated manual and the task snapshot into a zip.
func buildArchive(task models.GenerationTask) ([]byte, error) {
	manual, err := formatter.TaskToMarkdown(task)
	if err != nil {
		return nil, err
	}
	snapshot, err := shared.MarshalJSON(task, true)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range map[string][]byte{"manual.md": manual, "task.json": snapshot} {
		f, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", name, err)
		}
		if _, err := f.Write(data); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// socketHandler upgrades /ws/task/{id} and subscribes the connection to the task.
type socketHandler struct {
	store    *Store
	hub      *Hub
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func (h *socketHandler) Routes() []string { return []string{"GET /ws/task/{id}"} }

func (h *socketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := h.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "task_id", id, "err", err)
		return
	}

	greeting, err := shared.MarshalJSON(map[string]string{"type": "connected", "task_id": id}, false)
	if err != nil {
		conn.Close()
		return
	}
	snapshot, err := shared.MarshalJSON(task, false)
	if err != nil {
		conn.Close()
		return
	}

	if task.IsTerminal() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, greeting)
		_ = conn.WriteMessage(websocket.TextMessage, snapshot)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
		conn.Close()
		return
	}

	h.hub.serve(id, conn, greeting, snapshot)
}
