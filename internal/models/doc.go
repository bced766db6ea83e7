// Package models defines domain entities and persistence interfaces for the genx generation client.
//
// The package contains two categories of types:
//
// 1. Data Transfer Objects (DTOs): structs mirroring the backend's JSON
//   - [GenerationTask] : one snapshot of a remote generation job
//   - [TaskResult] : output location, statistics and artifacts of a completed job
//   - [GenerationConfig] / [GenerationRequest] : the submission payload
//   - [UploadedFile] / [UploadResult] : files stored by the backend
//   - [Envelope] : the uniform response wrapper
//
// 2. Persistent Entities: locally stored rows with lifecycle fields
//   - [TaskRecord] : last accepted snapshot of a tracked task
//   - [UploadRecord] : a file uploaded through this client
//
// All persistent entities implement the Model interface providing ID, timestamps and validation.
// The Repository[T] interface defines standard CRUD operations for database access.
package models
