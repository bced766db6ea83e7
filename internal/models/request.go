package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Focus, quality and language values accepted by the backend.
const (
	FocusGeneral   = "general"
	FocusWelding   = "welding"
	FocusPrecision = "precision"
	FocusHeavy     = "heavy"

	QualityBasic    = "basic"
	QualityStandard = "standard"
	QualityHigh     = "high"
	QualityCritical = "critical"

	LanguageChinese = "zh"
	LanguageEnglish = "en"
)

// GenerationConfig tunes the generated manual.
type GenerationConfig struct {
	Focus        string `json:"focus" validate:"required,oneof=general welding precision heavy"`
	Quality      string `json:"quality" validate:"required,oneof=basic standard high critical"`
	Language     string `json:"language" validate:"required,oneof=zh en"`
	Requirements string `json:"requirements" validate:"max=4000"`
}

// DefaultGenerationConfig mirrors the backend's defaults.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Focus:    FocusGeneral,
		Quality:  QualityStandard,
		Language: LanguageChinese,
	}
}

// GenerationRequest submits previously uploaded files for generation, by id.
// Either list may be empty, but not both.
type GenerationRequest struct {
	Config     GenerationConfig `json:"config" validate:"required"`
	PDFFiles   []string         `json:"pdf_files" validate:"dive,required"`
	ModelFiles []string         `json:"model_files" validate:"dive,required"`
}

// SubmitResult is the backend's answer to a generation request.
type SubmitResult struct {
	TaskID    string `json:"task_id"`
	ManualURL string `json:"manual_url,omitempty"`
}

// UploadedFile is a file stored by the backend.
type UploadedFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// UploadResult lists the files stored by one upload call.
type UploadResult struct {
	PDFFiles   []UploadedFile `json:"pdf_files"`
	ModelFiles []UploadedFile `json:"model_files"`
}

// PDFIDs returns the ids of the uploaded PDF files.
func (u UploadResult) PDFIDs() []string {
	return fileIDs(u.PDFFiles)
}

// ModelIDs returns the ids of the uploaded model files.
func (u UploadResult) ModelIDs() []string {
	return fileIDs(u.ModelFiles)
}

func fileIDs(files []UploadedFile) []string {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	return ids
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(requestFiles, GenerationRequest{})
	return v
}

func requestFiles(sl validator.StructLevel) {
	req := sl.Current().Interface().(GenerationRequest)
	if len(req.PDFFiles)+len(req.ModelFiles) == 0 {
		sl.ReportError(req.PDFFiles, "PDFFiles", "pdf_files", "required_without", "ModelFiles")
	}
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid fields: " + strings.Join(e.Fields, ", ")
}

// Validate checks the request before it is sent.
func (r GenerationRequest) Validate() error {
	return validateStruct(r)
}

// Validate checks the configuration values.
func (c GenerationConfig) Validate() error {
	return validateStruct(c)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	verr := &ValidationError{}
	for _, fe := range fieldErrs {
		verr.Fields = append(verr.Fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return verr
}
