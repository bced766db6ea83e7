package server

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

// FailMarker in a request's requirements makes the simulated task fail halfway.
const FailMarker = "simulate:fail"

// stage is one step of the simulated generation pipeline.
type stage struct {
	progress int
	message  string
}

var stages = []stage{
	{20, "parsing PDF"},
	{40, "converting 3D model"},
	{60, "analyzing assembly"},
	{80, "writing manual"},
}

type simTask struct {
	task    models.GenerationTask
	request models.GenerationRequest
	stage   int
	fail    bool
}

type storedUpload struct {
	kind string
	file models.UploadedFile
}

// Store keeps the backend's tasks and uploads in memory.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string]*simTask
	order   []string
	uploads map[string]storedUpload
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tasks: make(map[string]*simTask), uploads: make(map[string]storedUpload)}
}

// AddUpload records a stored file.
func (s *Store) AddUpload(kind string, file models.UploadedFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[file.ID] = storedUpload{kind: kind, file: file}
}

// Upload looks up a stored file by id.
func (s *Store) Upload(id string) (models.UploadedFile, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[id]
	return u.file, u.kind, ok
}

// Create starts a pending task for req.
//
// Every referenced file must have been uploaded with the matching kind.
func (s *Store) Create(req models.GenerationRequest, now time.Time) (models.GenerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for kind, ids := range map[string][]string{models.UploadKindPDF: req.PDFFiles, models.UploadKindModel: req.ModelFiles} {
		for _, id := range ids {
			if u, ok := s.uploads[id]; !ok || u.kind != kind {
				return models.GenerationTask{}, fmt.Errorf("%w: unknown %s file %s", shared.ErrInvalidInput, kind, id)
			}
		}
	}

	ts := models.NewTimestamp(now.UTC())
	st := &simTask{
		task: models.GenerationTask{
			TaskID:    shared.GenerateID(),
			Status:    models.StatusPending,
			Message:   "queued",
			CreatedAt: ts,
			UpdatedAt: ts,
		},
		request: req,
		fail:    strings.Contains(req.Config.Requirements, FailMarker),
	}
	s.tasks[st.task.TaskID] = st
	s.order = append(s.order, st.task.TaskID)
	return st.task, nil
}

// Get returns the current snapshot of a task.
func (s *Store) Get(id string) (models.GenerationTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.tasks[id]
	if !ok {
		return models.GenerationTask{}, false
	}
	return st.task, true
}

// Request returns the generation request a task was created from.
func (s *Store) Request(id string) (models.GenerationRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.tasks[id]
	if !ok {
		return models.GenerationRequest{}, false
	}
	return st.request, true
}

// List returns every task in creation order.
func (s *Store) List() []models.GenerationTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.GenerationTask, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].task)
	}
	return out
}

// Delete removes a task.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	return true
}

// Advance moves every unfinished task one stage forward and returns the changed snapshots.
func (s *Store) Advance(now time.Time) []models.GenerationTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []models.GenerationTask
	ts := models.NewTimestamp(now.UTC())
	for _, id := range s.order {
		st := s.tasks[id]
		if st.task.IsTerminal() {
			continue
		}

		switch {
		case st.fail && st.stage == len(stages)/2:
			st.task.Status = models.StatusFailed
			st.task.Message = "simulated failure: out of memory"
		case st.stage < len(stages):
			next := stages[st.stage]
			st.task.Status = models.StatusProcessing
			st.task.Progress = next.progress
			st.task.Message = next.message
			st.stage++
		default:
			st.task.Status = models.StatusCompleted
			st.task.Progress = 100
			st.task.Message = "manual generated"
			st.task.Result = resultFor(st)
		}
		st.task.UpdatedAt = ts
		changed = append(changed, st.task)
	}
	return changed
}

// Fail marks an unfinished task as failed with message.
func (s *Store) Fail(id, message string, now time.Time) (models.GenerationTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok || st.task.IsTerminal() {
		return models.GenerationTask{}, false
	}
	st.task.Status = models.StatusFailed
	st.task.Message = message
	st.task.UpdatedAt = models.NewTimestamp(now.UTC())
	return st.task, true
}

func resultFor(st *simTask) *models.TaskResult {
	id := st.task.TaskID
	return &models.TaskResult{
		OutputDir:  "output/" + id,
		OutputFile: "output/" + id + "/manual.zip",
		Files:      []string{"manual.md", "task.json"},
		Statistics: map[string]any{
			"pdf_files":   len(st.request.PDFFiles),
			"model_files": len(st.request.ModelFiles),
			"stages":      len(stages),
		},
		ManualURL: "/api/preview/" + id,
	}
}
