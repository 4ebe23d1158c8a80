// Package handlers provides HTTP request handlers for the OCM CA API.
// It includes handlers for setup, sessions, the root CA and CRL, certificate
// issuance and lifecycle, downloads, and the audit log. Request bodies are
// accepted as JSON or form data, matching what the dashboard proxy sends.
package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/robcowart/ocm-ca/internal/api/middleware"
	"github.com/robcowart/ocm-ca/internal/service"
)

// Auditor records audit entries without blocking
type Auditor interface {
	Record(entry service.AuditEntry)
}

// auditEntry describes the outcome of an action taken by the current request
func auditEntry(c *gin.Context, action, resourceType, resourceID string, err error) service.AuditEntry {
	entry := service.AuditEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ClientIP:     c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
		Success:      err == nil,
	}
	if p := middleware.PrincipalFrom(c); p != nil {
		entry.Username = p.Username
	}
	if err != nil {
		entry.Error = err.Error()
	}
	return entry
}

// sendDownload writes d as an attachment
func sendDownload(c *gin.Context, d *service.Download) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Filename))
	c.Data(http.StatusOK, d.ContentType, d.Data)
}

// parseBool accepts the values HTML forms and JSON clients send for checkboxes
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// formValue is a form field that JSON clients may send as a string, number,
// boolean or list of strings. Lists are joined with commas.
type formValue string

// UnmarshalJSON accepts any scalar or a list of strings
func (v *formValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = formValue(s)
	case len(data) > 0 && data[0] == '[':
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*v = formValue(strings.Join(list, ","))
	default:
		*v = formValue(data)
	}
	return nil
}

func (v formValue) String() string {
	return string(v)
}
