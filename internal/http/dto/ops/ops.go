// Package ops contiene los DTOs de la API de operación.
package ops

// ReadyResponse es la respuesta de GET /readyz.
type ReadyResponse struct {
	Status      string   `json:"status"` // pending | ready | failed
	Outstanding []string `json:"outstanding"`
	Error       string   `json:"error,omitempty"`
}

// PeersResponse es la respuesta de GET /v1/peers.
type PeersResponse struct {
	Peers []map[string]any `json:"peers"`
	Count int              `json:"count"`
}

// RegisterResponse confirma una registración encolada en el exchange durable.
type RegisterResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}
