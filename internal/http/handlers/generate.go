package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/middleware"
	"github.com/wwwzhouhui/seedance2.0/internal/providers/video"
	"github.com/wwwzhouhui/seedance2.0/internal/service"
)

const (
	multipartMemory = 32 << 20
	formOverhead    = 1 << 20
	defaultMaxFiles = 5
	defaultMaxBytes = 20 << 20

	defaultUploadReadTimeout = 5 * time.Minute
)

// GenerateVideo accepts a multipart submission and answers with the task id
// as soon as the job is registered.
func (a *App) GenerateVideo(w http.ResponseWriter, r *http.Request) {
	maxFiles, maxBytes := a.MaxUploadFiles, a.MaxUploadBytes
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	// the server-wide read timeout is sized for small requests
	readTimeout := a.UploadReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultUploadReadTimeout
	}
	if err := http.NewResponseController(w).SetReadDeadline(time.Now().Add(readTimeout)); err != nil &&
		!errors.Is(err, http.ErrNotSupported) && a.Logger != nil {
		a.Logger.Warn().Err(err).Msg("extend upload read deadline")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes*int64(maxFiles)+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			a.error(w, r, domain.ErrPayloadTooLarge)
			return
		}
		a.error(w, r, &domain.ValidationError{Field: "form", Reason: err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) > maxFiles {
		a.error(w, r, domain.ErrTooManyFiles)
		return
	}
	images := make([]video.ImageInput, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > maxBytes {
			a.error(w, r, domain.ErrPayloadTooLarge)
			return
		}
		data, err := readPart(fh)
		if err != nil {
			a.error(w, r, err)
			return
		}
		images = append(images, video.ImageInput{Filename: fh.Filename, Data: data})
	}

	duration, _ := strconv.Atoi(strings.TrimSpace(r.FormValue("duration")))
	id, err := a.Jobs.SubmitJob(r.Context(), service.SubmitRequest{
		Prompt:    r.FormValue("prompt"),
		Model:     strings.TrimSpace(r.FormValue("model")),
		Ratio:     strings.TrimSpace(r.FormValue("ratio")),
		Duration:  duration,
		SessionID: r.FormValue("sessionId"),
		Images:    images,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"taskId": id})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload %q: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload %q: %w", fh.Filename, err)
	}
	return data, nil
}
