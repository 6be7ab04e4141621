package handler

import (
	"net/http"

	"sketch-sync/internal/service"
	"sketch-sync/pkg/response"
)

type SyncHandler struct {
	service *service.ReplicationService
}

func NewSyncHandler(service *service.ReplicationService) *SyncHandler {
	return &SyncHandler{service: service}
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		writeServiceError(w, "Failed to read sync status", err)
		return
	}
	response.Success(w, status)
}

// Refresh pulls the peer's collection. The merge happens when the reply
// arrives.
func (h *SyncHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RequestSnapshot(r.Context()); err != nil {
		writeServiceError(w, "Failed to request snapshot", err)
		return
	}
	response.Accepted(w, "Snapshot requested")
}

func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Push(r.Context()); err != nil {
		writeServiceError(w, "Failed to push snapshot", err)
		return
	}
	response.Accepted(w, "Snapshot pushed")
}
