package handler

import (
	"time"

	"carbonledger/internal/registry"
)

// RegistryResponse is the wire form of a registry record.
type RegistryResponse struct {
	ID                  string    `json:"id"`
	Authority           string    `json:"authority"`
	Name                string    `json:"name"`
	BaseURI             string    `json:"base_uri"`
	TotalCreditsIssued  uint64    `json:"total_credits_issued"`
	TotalCreditsRetired uint64    `json:"total_credits_retired"`
	TotalProjects       uint64    `json:"total_projects"`
	CreatedAt           time.Time `json:"created_at"`
}

func fromRegistry(record *registry.Registry) RegistryResponse {
	return RegistryResponse{
		ID:                  record.ID.String(),
		Authority:           record.Authority.String(),
		Name:                record.Name,
		BaseURI:             record.BaseURI,
		TotalCreditsIssued:  record.TotalCreditsIssued,
		TotalCreditsRetired: record.TotalCreditsRetired,
		TotalProjects:       record.TotalProjects,
		CreatedAt:           record.CreatedAt,
	}
}

// ProjectResponse is the wire form of a project record.
type ProjectResponse struct {
	ID           string    `json:"id"`
	Registry     string    `json:"registry"`
	ProjectID    string    `json:"project_id"`
	VintageYear  uint16    `json:"vintage_year"`
	Methodology  string    `json:"methodology"`
	CountryCode  string    `json:"country_code"`
	Developer    string    `json:"developer"`
	TotalIssued  uint64    `json:"total_issued"`
	TotalRetired uint64    `json:"total_retired"`
	Available    uint64    `json:"available"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

func fromProject(record *registry.Project) ProjectResponse {
	return ProjectResponse{
		ID:           record.ID.String(),
		Registry:     record.Registry.String(),
		ProjectID:    record.ProjectID,
		VintageYear:  record.VintageYear,
		Methodology:  record.Methodology,
		CountryCode:  record.CountryCode,
		Developer:    record.Developer.String(),
		TotalIssued:  record.TotalIssued,
		TotalRetired: record.TotalRetired,
		Available:    record.Available(),
		Status:       string(record.Status),
		RegisteredAt: record.RegisteredAt,
	}
}

// IssuanceResponse is the wire form of an issuance record.
type IssuanceResponse struct {
	ID                 string    `json:"id"`
	Project            string    `json:"project"`
	SerialNumberPrefix string    `json:"serial_number_prefix"`
	Quantity           uint64    `json:"quantity"`
	IssuanceDate       time.Time `json:"issuance_date"`
	IssuedTo           string    `json:"issued_to"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

func fromIssuance(record *registry.Issuance) IssuanceResponse {
	return IssuanceResponse{
		ID:                 record.ID.String(),
		Project:            record.Project.String(),
		SerialNumberPrefix: record.SerialPrefix,
		Quantity:           record.Quantity,
		IssuanceDate:       record.IssuanceDate,
		IssuedTo:           record.IssuedTo.String(),
		Status:             string(record.Status),
		CreatedAt:          record.CreatedAt,
	}
}

// TransferResponse is the wire form of a transfer record.
type TransferResponse struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Project       string    `json:"project"`
	Quantity      uint64    `json:"quantity"`
	Reason        string    `json:"reason"`
	TransferredAt time.Time `json:"transferred_at"`
}

func fromTransfer(record *registry.Transfer) TransferResponse {
	return TransferResponse{
		ID:            record.ID.String(),
		From:          record.From.String(),
		To:            record.To.String(),
		Project:       record.Project.String(),
		Quantity:      record.Quantity,
		Reason:        record.Reason,
		TransferredAt: record.TransferredAt,
	}
}

// RetirementResponse is the wire form of a retirement record.
type RetirementResponse struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Project     string    `json:"project"`
	Quantity    uint64    `json:"quantity"`
	Reason      string    `json:"reason"`
	Beneficiary string    `json:"beneficiary"`
	RetiredAt   time.Time `json:"retired_at"`
}

func fromRetirement(record *registry.Retirement) RetirementResponse {
	return RetirementResponse{
		ID:          record.ID.String(),
		Owner:       record.Owner.String(),
		Project:     record.Project.String(),
		Quantity:    record.Quantity,
		Reason:      record.Reason,
		Beneficiary: record.Beneficiary,
		RetiredAt:   record.RetiredAt,
	}
}

// BatchResponse is the wire form of a batch record.
type BatchResponse struct {
	ID                  string    `json:"id"`
	BatchID             string    `json:"batch_id"`
	Project             string    `json:"project"`
	VintageStart        time.Time `json:"vintage_start"`
	VintageEnd          time.Time `json:"vintage_end"`
	MonitoringReportURI string    `json:"monitoring_report_uri"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
}

func fromBatch(record *registry.Batch) BatchResponse {
	return BatchResponse{
		ID:                  record.ID.String(),
		BatchID:             record.BatchID,
		Project:             record.Project.String(),
		VintageStart:        record.VintageStart,
		VintageEnd:          record.VintageEnd,
		MonitoringReportURI: record.MonitoringReportURI,
		Status:              string(record.Status),
		CreatedAt:           record.CreatedAt,
	}
}

// MetadataResponse is the wire form of a metadata record.
type MetadataResponse struct {
	ID           string    `json:"id"`
	Project      string    `json:"project"`
	MetadataType string    `json:"metadata_type"`
	URI          string    `json:"uri"`
	Description  string    `json:"description"`
	AddedAt      time.Time `json:"added_at"`
}

func fromMetadata(record *registry.Metadata) MetadataResponse {
	return MetadataResponse{
		ID:           record.ID.String(),
		Project:      record.Project.String(),
		MetadataType: string(record.Type),
		URI:          record.URI,
		Description:  record.Description,
		AddedAt:      record.AddedAt,
	}
}
