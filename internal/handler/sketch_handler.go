package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"sketch-sync/internal/domain"
	"sketch-sync/internal/service"
	"sketch-sync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type SketchHandler struct {
	service  *service.ReplicationService
	validate *validator.Validate
}

func NewSketchHandler(service *service.ReplicationService) *SketchHandler {
	return &SketchHandler{
		service:  service,
		validate: newValidator(),
	}
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *SketchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSketchRequest
	if err := decodeBody(r, &req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	sketch, err := h.service.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, "Failed to create sketch", err)
		return
	}

	response.Created(w, domain.NewSketchResponse(*sketch))
}

func (h *SketchHandler) List(w http.ResponseWriter, r *http.Request) {
	sketches, err := h.service.List(r.Context())
	if err != nil {
		writeServiceError(w, "Failed to list sketches", err)
		return
	}

	out := make([]*domain.SketchResponse, 0, len(sketches))
	for _, s := range sketches {
		out = append(out, domain.NewSketchResponse(s))
	}
	response.Success(w, out)
}

func (h *SketchHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sketch, ok, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to get sketch", err)
		return
	}
	if !ok {
		response.NotFound(w, "Sketch not found")
		return
	}

	response.Success(w, domain.NewSketchResponse(*sketch))
}

func (h *SketchHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req domain.UpdateSketchRequest
	if err := decodeBody(r, &req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	sketch, ok, err := h.service.Update(r.Context(), id, &req)
	if err != nil {
		writeServiceError(w, "Failed to update sketch", err)
		return
	}
	if !ok {
		response.NotFound(w, "Sketch not found")
		return
	}

	response.Success(w, domain.NewSketchResponse(*sketch))
}

func (h *SketchHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ok, err := h.service.Delete(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to delete sketch", err)
		return
	}
	if !ok {
		response.NotFound(w, "Sketch not found")
		return
	}

	response.Success(w, map[string]string{"id": id})
}

func writeServiceError(w http.ResponseWriter, msg string, err error) {
	var perr *service.PersistError
	switch {
	case errors.As(err, &perr):
		log.Printf("[HTTP] %s: %v", msg, err)
		response.InternalError(w, msg)
	case errors.Is(err, service.ErrPeerUnreachable):
		response.ServiceUnavailable(w, "Peer device is not reachable")
	case errors.Is(err, service.ErrServiceStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		response.ServiceUnavailable(w, "Replication service unavailable")
	default:
		log.Printf("[HTTP] %s: %v", msg, err)
		response.InternalError(w, msg)
	}
}
