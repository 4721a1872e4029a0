package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/geostash/geostash/internal/geojson"
	"github.com/geostash/geostash/internal/pipeline"
	"github.com/geostash/geostash/internal/queue"
)

var allowedExt = map[string]bool{
	".kml": true,
	".kmz": true,
	".gpx": true,
}

type uploadResponse struct {
	ID            int64        `json:"id"`
	Status        queue.Status `json:"status"`
	RawSourceHash string       `json:"rawSourceHash"`
	Duplicate     bool         `json:"duplicate"`
}

type convertResponse struct {
	Collection  geojson.FeatureCollection `json:"collection"`
	Identity    string                    `json:"identity"`
	Diagnostics []string                  `json:"diagnostics,omitempty"`
	Dropped     int                       `json:"dropped,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func userID(r *http.Request) string {
	if uid := r.Header.Get("X-User-ID"); uid != "" {
		return uid
	}
	return "anonymous"
}

// HandleUpload accepts one multipart file upload and enqueues it for
// asynchronous import. Duplicate sources are detected before queueing
// and answered with the already existing item.
func HandleUpload(log *slog.Logger, store *queue.Store, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		file, hdr, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		name := path.Base(hdr.Filename)
		if !allowedExt[strings.ToLower(path.Ext(name))] {
			http.Error(w, "unsupported file type", http.StatusUnsupportedMediaType)
			return
		}

		raw, err := io.ReadAll(file)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		if len(raw) == 0 {
			http.Error(w, "empty upload", http.StatusBadRequest)
			return
		}

		item, dup, err := store.Enqueue(r.Context(), raw, name, userID(r))
		if err != nil {
			log.Error("enqueue failed", "err", err, "filename", name)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}

		code := http.StatusAccepted
		if dup {
			code = http.StatusOK
		}
		log.Info("upload accepted",
			"id", item.ID, "filename", name, "duplicate", dup)
		writeJSON(w, code, uploadResponse{
			ID:            item.ID,
			Status:        item.Status,
			RawSourceHash: item.RawSourceHash,
			Duplicate:     dup,
		})
	}
}

// HandleStatus returns the queue item, including the converted collection
// once processing finished.
func HandleStatus(store *queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad item id", http.StatusBadRequest)
			return
		}
		item, err := store.Get(r.Context(), id)
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// HandleCancel removes a still-pending item. Items a worker already
// claimed cannot be cancelled anymore.
func HandleCancel(log *slog.Logger, store *queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad item id", http.StatusBadRequest)
			return
		}
		switch err := store.Cancel(r.Context(), id); {
		case errors.Is(err, queue.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, queue.ErrAlreadyClaimed):
			http.Error(w, "already claimed by a worker", http.StatusConflict)
		case err != nil:
			log.Error("cancel failed", "err", err, "id", id)
			http.Error(w, "cancel failed", http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// HandleImport commits the converted features of a completed item into
// the permanent store.
func HandleImport(log *slog.Logger, store *queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad item id", http.StatusBadRequest)
			return
		}
		switch err := store.MarkImported(r.Context(), id); {
		case errors.Is(err, queue.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, queue.ErrNotCompleted):
			http.Error(w, "item is not in completed state", http.StatusConflict)
		case err != nil:
			log.Error("import failed", "err", err, "id", id)
			http.Error(w, "import failed", http.StatusInternalServerError)
		default:
			item, err := store.Get(r.Context(), id)
			if err != nil {
				http.Error(w, "lookup failed", http.StatusInternalServerError)
				return
			}
			log.Info("item imported", "id", id)
			writeJSON(w, http.StatusOK, item)
		}
	}
}

// HandleConvert runs the conversion synchronously over the request body
// without touching the queue. The filename query parameter selects the
// decoder.
func HandleConvert(log *slog.Logger, conv *pipeline.Converter, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := r.URL.Query().Get("filename")
		if filename == "" {
			http.Error(w, "filename query parameter required", http.StatusBadRequest)
			return
		}
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}

		res, err := conv.Convert(raw, filename)
		if err != nil {
			if pipeline.IsPermanent(err) {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			log.Error("convert failed", "err", err, "filename", filename)
			http.Error(w, "convert failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, convertResponse{
			Collection:  res.Collection,
			Identity:    res.Identity,
			Diagnostics: res.Diagnostics,
			Dropped:     res.DroppedIn,
		})
	}
}

// HandleFeaturesByCell lists committed features indexed under one H3 cell.
func HandleFeaturesByCell(store *queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cell := chi.URLParam(r, "cell")
		if cell == "" {
			http.Error(w, "cell required", http.StatusBadRequest)
			return
		}
		feats, err := store.FeaturesByCell(r.Context(), cell)
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if feats == nil {
			feats = []queue.StoredFeature{}
		}
		writeJSON(w, http.StatusOK, feats)
	}
}
