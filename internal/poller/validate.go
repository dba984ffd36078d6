package poller

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ledongthuc/pdf"
)

const pdfMIME = "application/pdf"

// Input is a document submitted for analysis.
type Input struct {
	FileName      string `validate:"required,min=4"`
	ContentType   string
	Data          []byte `validate:"required"`
	ResearchFocus string `validate:"required,min=3,max=100"`
}

// UploadError is returned by Submit. Message is safe to show to the user.
type UploadError struct {
	Message string
	Err     error
}

func (e *UploadError) Error() string { return e.Message }

func (e *UploadError) Unwrap() error { return e.Err }

// ErrInvalidInput marks upload errors raised by local validation.
var ErrInvalidInput = errors.New("invalid input")

func invalid(msg string) error {
	return &UploadError{Message: msg, Err: ErrInvalidInput}
}

// validateInput runs every local check; it never touches the network.
func (p *Poller) validateInput(in *Input) error {
	in.ResearchFocus = strings.TrimSpace(in.ResearchFocus)

	if in.ContentType != "" && !strings.HasPrefix(in.ContentType, pdfMIME) {
		return invalid("Please upload a PDF file")
	}
	if len(in.Data) > 0 && http.DetectContentType(in.Data) != pdfMIME {
		return invalid("Please upload a PDF file")
	}
	if int64(len(in.Data)) > p.cfg.MaxUploadBytes {
		return invalid(fmt.Sprintf("File size must be less than %dMB", p.cfg.MaxUploadBytes>>20))
	}

	if err := p.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return &UploadError{Message: "Invalid upload request", Err: err}
		}
		return invalid(fieldMessage(verrs[0]))
	}
	in.ContentType = pdfMIME
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "ResearchFocus":
		if fe.Tag() == "required" {
			return "Please enter your research focus first"
		}
		return "Research focus must be between 3 and 100 characters"
	case "FileName":
		return "File name must be at least 4 characters"
	case "Data":
		return "Please upload a PDF file"
	}
	return fmt.Sprintf("Invalid %s", strings.ToLower(fe.Field()))
}

// pageCount reads the page count of a PDF. The parser panics on some malformed
// documents, so failures of any kind are reported as ok=false.
func pageCount(data []byte) (n int, ok bool) {
	defer func() {
		if recover() != nil {
			n, ok = 0, false
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, false
	}
	return r.NumPage(), true
}
