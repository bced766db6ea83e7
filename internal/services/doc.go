// Package services implements [TaskService], the client for the manual generation backend.
//
// # Remote Task Accessor
//
// [APIService] talks to the FastAPI backend (default http://localhost:8008/api).
// Each method maps to one endpoint:
//   - Health: GET /health
//   - Upload: POST /upload (multipart, fields pdf_files and model_files)
//   - Submit: POST /generate
//   - GetTask: GET /task/{id}
//   - ListTasks: GET /tasks
//   - DeleteTask: DELETE /task/{id}
//   - Download: GET /download/{id}
//   - Preview: GET /preview/{id}
//
// The raw Get and Post helpers back the `genx api` passthrough commands and
// return an [APIResponse] without interpreting the body.
//
// # Envelope
//
// Responses may be wrapped as {success, message, data, error, detail}. When
// "data" is present it is decoded as the payload; otherwise the whole body is.
// Decoding goes through [shared.UnmarshalJSON] (sonic).
//
// # Error Handling
//
// Failures are returned as:
//   - [*APIError]: non-2xx status or success=false, with the backend message verbatim
//   - [shared.ErrTaskNotFound]: 404 on a task endpoint (wrapped by APIError)
//   - [shared.ErrAPIRequest]: transport failure
//   - [shared.ErrInvalidInput]: request rejected locally by validation
//   - [shared.ErrUnexpectedResponse]: 2xx body that does not decode
package services
