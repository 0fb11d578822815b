package api

import "time"

const SchemaVersion = "v1"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	StoreBackend  string    `json:"store_backend,omitempty"`
}
