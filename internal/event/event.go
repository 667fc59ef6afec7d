// Package event classifies incoming deliveries from their transport headers.
package event

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderRequestID = "X-Request-ID"
	HeaderGUID      = "X-GitHub-GUID"
	HeaderDelivery  = "X-GitHub-Delivery"

	// DefaultType is assumed when the event header is missing.
	DefaultType = "push"
)

const (
	TypePush                     = "push"
	TypePullRequest              = "pull_request"
	TypeCreate                   = "create"
	TypeDelete                   = "delete"
	TypeRepository               = "repository"
	TypeInstallation             = "installation"
	TypeInstallationRepositories = "installation_repositories"
)

// Category groups event types by the worker fleet that consumes them.
type Category int

const (
	CategoryNone Category = iota
	CategoryWebhook
	CategoryApp
)

func (c Category) String() string {
	switch c {
	case CategoryWebhook:
		return "webhook"
	case CategoryApp:
		return "app"
	default:
		return "none"
	}
}

var categories = map[string]Category{
	TypePush:                     CategoryWebhook,
	TypePullRequest:              CategoryWebhook,
	TypeCreate:                   CategoryWebhook,
	TypeDelete:                   CategoryWebhook,
	TypeRepository:               CategoryWebhook,
	TypeInstallation:             CategoryApp,
	TypeInstallationRepositories: CategoryApp,
}

// CategoryOf returns the category of an event type. Matching is exact and
// case-sensitive.
func CategoryOf(eventType string) Category {
	return categories[eventType]
}

// Handled reports whether eventType produces any downstream job.
func Handled(eventType string) bool {
	return CategoryOf(eventType) != CategoryNone
}

// HandledTypes returns the handled event types.
func HandledTypes() []string {
	return []string{
		TypePush, TypePullRequest, TypeCreate, TypeDelete, TypeRepository,
		TypeInstallation, TypeInstallationRepositories,
	}
}

// Classified is the identity of a delivery derived from its headers.
type Classified struct {
	Type string
	UUID string

	// DeliveryGUID is only meaningful when HasGUID is true.
	DeliveryGUID string
	HasGUID      bool
}

// Category returns the category of the classified type.
func (c Classified) Category() Category {
	return CategoryOf(c.Type)
}

// GUID returns the delivery guid or nil when the sender did not supply one.
func (c Classified) GUID() *string {
	if !c.HasGUID {
		return nil
	}
	guid := c.DeliveryGUID
	return &guid
}

// newUUID is replaced in tests.
var newUUID = uuid.NewString

// Classify reads the event identity from h. Missing headers resolve to their
// defaults; classification never looks at the body.
func Classify(h http.Header) Classified {
	c := Classified{
		Type: headerOr(h, HeaderEvent, DefaultType),
		UUID: headerOr(h, HeaderRequestID, ""),
	}
	if c.UUID == "" {
		c.UUID = newUUID()
	}
	for _, key := range []string{HeaderGUID, HeaderDelivery} {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			c.DeliveryGUID, c.HasGUID = v, true
			break
		}
	}
	return c
}

func headerOr(h http.Header, key, fallback string) string {
	if v := strings.TrimSpace(h.Get(key)); v != "" {
		return v
	}
	return fallback
}
