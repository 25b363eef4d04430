package httpapi

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/security"
)

const maxUploadMemoryBytes = 32 << 20

// handleUploadMedia implements spec §5 upload-media: validate the
// declared size/filename/MIME type, then hand the accepted bytes to
// deps.MediaStore. A nil MediaStore fails closed once validation
// already passed, since this module never decides where media lives.
func (api *API) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemoryBytes); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidContentType, "request must be a multipart/form-data upload"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apierr.New(apierr.CodeMissingFields, "a \"file\" form field is required"))
		return
	}
	defer file.Close()

	cfg := security.UploadConfig{
		MaxFileSizeBytes: api.deps.Config.MaxFileSizeBytes,
		AllowedMIMETypes: api.deps.Config.AllowedUploadMIMETypes,
	}
	contentType := header.Header.Get("Content-Type")
	if err := security.ValidateUpload(r.Context(), cfg, header.Filename, header.Size, contentType); err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(file, cfg.MaxFileSizeBytes+1))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeRuntimeError, "failed to read upload body", err))
		return
	}
	if int64(len(body)) > cfg.MaxFileSizeBytes {
		writeError(w, apierr.New(apierr.CodeContentTooLarge, "file exceeds the configured size limit"))
		return
	}

	if api.deps.MediaStore == nil {
		writeError(w, apierr.New(apierr.CodeRuntimeError, "media storage is not configured"))
		return
	}
	url, err := api.deps.MediaStore.Store(channelID, header.Filename, int64(len(body)), contentType, body)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeRuntimeError, "failed to store uploaded media", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"url": url})
}
