package portal

import (
	"net/http"
	"strings"
	"time"
)

// Credentials are used once, in memory, for the programmatic login
// strategy. They are never persisted; only the resulting session cookies
// are.
type Credentials struct {
	Username string
	Password string
}

// CapturedSession is the outcome of a successful login flow: the cookies
// that represent the fresh portal session and the user agent they were
// captured under.
type CapturedSession struct {
	Cookies         []*http.Cookie
	RawCookieHeader string
	UserAgent       string
}

// rawCookieHeader joins cookies into Cookie-header material.
func rawCookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// hasSessionMarker reports whether any cookie looks like a real portal
// session rather than an anonymous visit. Matching is a case-insensitive
// substring check on the cookie name.
func hasSessionMarker(cookies []*http.Cookie, marker string) bool {
	if marker == "" {
		return len(cookies) > 0
	}
	needle := strings.ToLower(marker)
	for _, c := range cookies {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			return true
		}
	}
	return false
}

// DirectoryEntry is one family record from the portal's member directory.
type DirectoryEntry struct {
	Name      string   `json:"name"`
	Email     string   `json:"email,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Students  []string `json:"students,omitempty"`
	Classroom string   `json:"classroom,omitempty"`
}

// Event is one school calendar event.
type Event struct {
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end,omitempty"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	AllDay      bool      `json:"allDay,omitempty"`
}

// VolunteerSlot is one lunch-volunteer signup slot.
type VolunteerSlot struct {
	Date      string `json:"date"`
	Slot      string `json:"slot"`
	Volunteer string `json:"volunteer,omitempty"`
	Open      bool   `json:"open"`
}
