// Package server implements the development backend: an in-memory stand-in for
// the generation service used by `genx devserver` and the end-to-end tests.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
// [RequestLogger] and [Recoverer] are installed on every route.
//
// The [BasicRouter] implementation uses [http.ServeMux] method patterns, so
// wrong methods get 405 and handlers read path wildcards with PathValue.
//
// # Backend
//
// [Backend] serves the REST resource:
//
//	GET    /api/health
//	POST   /api/upload         multipart pdf_files / model_files
//	POST   /api/generate       GenerationRequest -> SubmitResult
//	GET    /api/tasks          {"tasks": [...]}
//	GET    /api/task/{id}
//	DELETE /api/task/{id}
//	GET    /api/download/{id}  zip of the generated manual
//	GET    /api/preview/{id}
//	GET    /ws/task/{id}       websocket pushes of task snapshots
//
// Responses use the {success, message, error, data} envelope; task reads return
// the bare snapshot.
//
// # Simulation
//
// [Simulator] advances every unfinished task one stage per tick
// (pending -> processing 20..80 -> completed). Requirements containing
// [FailMarker] make a task fail halfway. Every change is broadcast through the
// [Hub] as one JSON snapshot per websocket message; subscribers of a finished
// task are closed after the terminal snapshot.
package server
