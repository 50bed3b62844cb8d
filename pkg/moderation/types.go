// Package moderation implements the plugin review workflow: listing submitted
// plugins and their developers, and accepting or rejecting pending submissions.
// Accepting a plugin hands its source artifact off to the external build server.
package moderation

import (
	"time"
)

// Plugin is a submitted plugin going through review.
//
// A plugin starts out pending. A reject decision clears the pending flag; an
// accept decision clears it and marks the plugin as building in the same
// statement, so a plugin is never both pending and building.
type Plugin struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Icon        string    `json:"icon,omitempty" db:"icon"`
	AuthorID    string    `json:"authorId" db:"author_id"`
	SourceID    *string   `json:"sourceId,omitempty" db:"source_id"`
	IsPending   bool      `json:"isPending" db:"is_pending"`
	IsBuilding  bool      `json:"isBuilding" db:"is_building"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`

	// Populated on detail reads; nil on list reads.
	Source *SourceArtifact      `json:"source,omitempty"`
	Author *Author              `json:"author,omitempty"`
	Logs   []ModerationLogEntry `json:"logs,omitempty"`
}

// SourceArtifact references an uploaded plugin package in object storage.
// The URL field holds the object key; it is resolved to a fully-qualified
// download URL only when handed to the build server.
type SourceArtifact struct {
	ID  string `json:"id" db:"id"`
	URL string `json:"url" db:"url"`
}

// Author is a plugin developer. The moderation service never mutates authors.
type Author struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// AdminUser is a panel administrator allowed to make moderation decisions.
type AdminUser struct {
	ID    string `json:"id" db:"id"`
	Email string `json:"email" db:"email"`
	Name  string `json:"name" db:"name"`
}

// ModerationLogEntry is one append-only audit record of an accept or reject
// decision. Entries are never updated or deleted.
type ModerationLogEntry struct {
	ID        string    `json:"id" db:"id"`
	Content   string    `json:"content" db:"content"`
	AdminID   string    `json:"adminId" db:"admin_id"`
	PluginID  string    `json:"pluginId" db:"plugin_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	Admin *AdminUser `json:"admin,omitempty"`
}

// Log entry contents written on moderation decisions.
const (
	LogContentAccepted = "Accepted"
	LogContentRejected = "Rejected"
)

// Actor identifies the signed-in user attempting a moderation decision.
// Authorization is re-derived from the admin directory on every call.
type Actor struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// ListRequest carries list pagination and filtering. Name is matched
// case-insensitively as a substring.
type ListRequest struct {
	Limit int
	Page  int
	Name  string
}

// Pagination is the page metadata returned alongside every list.
type Pagination struct {
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

// PluginPage is one page of plugin summaries.
type PluginPage struct {
	Entities   []Plugin   `json:"entities"`
	Pagination Pagination `json:"pagination"`
}

// Developer is an author together with their submitted plugins.
type Developer struct {
	Author
	Plugins []Plugin `json:"plugins,omitempty"`
}

// DeveloperPage is one page of developers.
type DeveloperPage struct {
	Entities   []Developer `json:"entities"`
	Pagination Pagination  `json:"pagination"`
}
