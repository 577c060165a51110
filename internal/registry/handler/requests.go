package handler

import "time"

// InitializeRegistryRequest is the wire form for POST /registry.
type InitializeRegistryRequest struct {
	Name    string `json:"name"`
	BaseURI string `json:"base_uri"`
}

// RegisterProjectRequest is the wire form for registering a project.
type RegisterProjectRequest struct {
	ProjectID   string `json:"project_id"`
	VintageYear uint16 `json:"vintage_year"`
	Methodology string `json:"methodology"`
	CountryCode string `json:"country_code"`
	Developer   string `json:"developer"`
}

// IssueCreditsRequest is the wire form for issuing credits.
type IssueCreditsRequest struct {
	SerialNumberPrefix string    `json:"serial_number_prefix"`
	Quantity           uint64    `json:"quantity"`
	IssuanceDate       time.Time `json:"issuance_date"`
	Recipient          string    `json:"recipient"`
}

// TransferCreditsRequest is the wire form for transferring credits. The
// sending owner is the authenticated actor.
type TransferCreditsRequest struct {
	To       string `json:"to"`
	Quantity uint64 `json:"quantity"`
	Reason   string `json:"reason"`
}

// RetireCreditsRequest is the wire form for retiring credits. The owner is
// the authenticated actor.
type RetireCreditsRequest struct {
	Quantity    uint64 `json:"quantity"`
	Reason      string `json:"reason"`
	Beneficiary string `json:"beneficiary"`
}

// CreateBatchRequest is the wire form for opening a vintage batch.
type CreateBatchRequest struct {
	BatchID             string    `json:"batch_id"`
	VintageStart        time.Time `json:"vintage_start"`
	VintageEnd          time.Time `json:"vintage_end"`
	MonitoringReportURI string    `json:"monitoring_report_uri"`
}

// UpdateProjectStatusRequest is the wire form for a status transition.
type UpdateProjectStatusRequest struct {
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason"`
}

// AddProjectMetadataRequest is the wire form for attaching a document.
type AddProjectMetadataRequest struct {
	MetadataType string `json:"metadata_type"`
	URI          string `json:"uri"`
	Description  string `json:"description"`
}
