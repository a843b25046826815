package models

import "gorm.io/gorm"

// Organization is the tenant boundary. Every outreach row carries its ID.
type Organization struct {
	gorm.Model
	Name string `gorm:"not null" json:"name"`

	Clients []Client `gorm:"foreignKey:OrganizationID" json:"clients,omitempty"`
}

// Client is a customer account inside an organization. Sequences, leads and
// automations are always scoped to one client.
type Client struct {
	gorm.Model
	OrganizationID uint   `gorm:"not null;index" json:"organization_id"`
	Name           string `gorm:"not null" json:"name"`
	Timezone       string `gorm:"default:'UTC'" json:"timezone"`
}

// User is a member of an organization who can own leads and receive tasks.
type User struct {
	gorm.Model
	OrganizationID uint   `gorm:"not null;index" json:"organization_id"`
	Email          string `gorm:"not null;index" json:"email"`
	Name           string `json:"name"`
	IsActive       bool   `gorm:"default:true" json:"is_active"`
}

// Scope identifies the tenant and client a call is made on behalf of.
type Scope struct {
	OrganizationID uint
	ClientID       uint
}

// Apply restricts a query to the scope's tenant and, when set, its client.
func (s Scope) Apply(db *gorm.DB) *gorm.DB {
	if s.ClientID == 0 {
		return db.Where("organization_id = ?", s.OrganizationID)
	}
	return db.Where("organization_id = ? AND client_id = ?", s.OrganizationID, s.ClientID)
}

// ClientRef returns the client as an optional reference, nil for tenant-wide scopes.
func (s Scope) ClientRef() *uint {
	if s.ClientID == 0 {
		return nil
	}
	id := s.ClientID
	return &id
}
