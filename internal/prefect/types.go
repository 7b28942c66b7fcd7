// Package prefect is a small client for the Prefect 2 orchestration REST API.
package prefect

import (
	"slices"

	"github.com/google/uuid"
)

// Deployment is a registered deployment as returned by the API
type Deployment struct {
	ID            uuid.UUID      `json:"id"`
	Name          string         `json:"name"`
	FlowID        uuid.UUID      `json:"flow_id"`
	Tags          []string       `json:"tags"`
	Version       string         `json:"version,omitempty"`
	WorkQueueName string         `json:"work_queue_name,omitempty"`
	Entrypoint    string         `json:"entrypoint,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
}

// HasTag reports whether the deployment carries tag
func (d Deployment) HasTag(tag string) bool {
	return slices.Contains(d.Tags, tag)
}

// Flow is a registered flow
type Flow struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// BlockType identifies the kind of a block document
type BlockType struct {
	ID   uuid.UUID `json:"id"`
	Slug string    `json:"slug"`
}

// BlockDocument is a named, persisted configuration object
type BlockDocument struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	BlockTypeID uuid.UUID      `json:"block_type_id"`
	BlockType   *BlockType     `json:"block_type,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// CronSchedule is a unix-cron schedule evaluated in a timezone
type CronSchedule struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// DeploymentCreate is the request body for creating or updating a deployment.
// The API upserts on (flow_id, name).
type DeploymentCreate struct {
	Name                     string         `json:"name"`
	FlowID                   uuid.UUID      `json:"flow_id"`
	Version                  string         `json:"version,omitempty"`
	Schedule                 *CronSchedule  `json:"schedule,omitempty"`
	IsScheduleActive         bool           `json:"is_schedule_active"`
	Parameters               map[string]any `json:"parameters"`
	Tags                     []string       `json:"tags"`
	WorkQueueName            string         `json:"work_queue_name,omitempty"`
	Entrypoint               string         `json:"entrypoint,omitempty"`
	Path                     string         `json:"path,omitempty"`
	InfrastructureDocumentID *uuid.UUID     `json:"infrastructure_document_id,omitempty"`
	StorageDocumentID        *uuid.UUID     `json:"storage_document_id,omitempty"`
}

type filterRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type flowCreate struct {
	Name string `json:"name"`
}
