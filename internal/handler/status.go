package handler

import "net/http"

// SystemStatus reports whether the backing VM is available.
type SystemStatus struct {
	MachineStatus string `json:"machine_status"`
}

// GetSystemStatus returns the VM's lifecycle status.
func (h *Handler) GetSystemStatus(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, SystemStatus{
		MachineStatus: string(h.serverService.MachineStatus()),
	})
}
