// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/media/acquire"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

type uploadResponse struct {
	SourceMode model.SourceMode `json:"sourceMode"`
	SourceRef  string           `json:"sourceRef"`
	SizeBytes  int64            `json:"sizeBytes"`
}

// handleUpload stores the raw request body as a direct upload. The returned
// sourceRef is claimed by the next job that names it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	dst := filepath.Join(s.cfg.UploadDir, id)
	logger := log.WithComponentFromContext(r.Context(), "api")

	n, err := s.receive(w, r, dst)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeProblem(w, r, http.StatusRequestEntityTooLarge, string(model.CodeValidation),
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), nil)
		case n == 0:
			writeProblem(w, r, http.StatusBadRequest, string(model.CodeValidation), "empty upload", nil)
		default:
			logger.Warn().Err(err).Msg("upload failed")
			writeProblem(w, r, http.StatusBadRequest, string(model.CodeValidation), "upload failed", nil)
		}
		return
	}

	if err := acquire.CheckContainer(dst); err != nil {
		_ = os.Remove(dst)
		writeProblem(w, r, http.StatusUnsupportedMediaType, string(model.CodeValidation), err.Error(), nil)
		return
	}

	logger.Info().
		Str("event", "upload.stored").
		Str(log.FieldUserID, r.Header.Get(HeaderUserID)).
		Str("upload_id", id).
		Int64(log.FieldSize, n).
		Msg("upload stored")
	writeJSON(w, http.StatusCreated, uploadResponse{SourceMode: model.SourceDirectUpload, SourceRef: id, SizeBytes: n})
}

// receive streams the body into dst. dst only appears once complete.
func (s *Server) receive(w http.ResponseWriter, r *http.Request, dst string) (int64, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o750); err != nil {
		return 0, err
	}
	body := io.Reader(r.Body)
	if s.cfg.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	pf, err := renameio.NewPendingFile(dst, renameio.WithTempDir(s.cfg.UploadDir), renameio.WithPermissions(0o600))
	if err != nil {
		return 0, err
	}
	defer func() { _ = pf.Cleanup() }()

	n, err := io.Copy(pf, body)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, errors.New("empty body")
	}
	return n, pf.CloseAtomicallyReplace()
}
