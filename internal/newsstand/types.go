package newsstand

import (
	"fmt"
	"regexp"
	"time"
)

// URLFunc produces the document URL of a source for one calendar date.
// The date carries year, month, and day in UTC at midnight.
type URLFunc func(date time.Time) (string, error)

// Source is one publication whose front page is cached and displayed.
type Source struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	DisplayMinutes int     `json:"display_minutes"`
	Scale          float64 `json:"scale,omitempty"`
	URL            URLFunc `json:"-"`
}

// URLFor resolves the document URL for the given date.
func (s Source) URLFor(date DateKey) (string, error) {
	if s.URL == nil {
		return "", fmt.Errorf("source %s has no url function", s.ID)
	}
	t, err := date.Time()
	if err != nil {
		return "", err
	}
	u, err := s.URL(t)
	if err != nil {
		return "", fmt.Errorf("build url for %s on %s: %w", s.ID, date, err)
	}
	return u, nil
}

// Subscription binds a viewer to a source with an optional duration override.
type Subscription struct {
	SourceID       string `json:"source_id" yaml:"id"`
	DisplayMinutes int    `json:"display_minutes,omitempty" yaml:"display_minutes"`
}

// Viewer is a display device (or any other request context) with a time zone
// and an ordered list of subscribed sources.
type Viewer struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Timezone      string         `json:"timezone"`
	Location      *time.Location `json:"-"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Zone returns the viewer's location, falling back to EarliestZone when the
// viewer is nil or has no location.
func (v *Viewer) Zone() *time.Location {
	if v == nil || v.Location == nil {
		return EarliestZone
	}
	return v.Location
}

// Subscription looks up the subscription for a source id.
func (v *Viewer) Subscription(sourceID string) (Subscription, bool) {
	if v == nil {
		return Subscription{}, false
	}
	for _, sub := range v.Subscriptions {
		if sub.SourceID == sourceID {
			return sub, true
		}
	}
	return Subscription{}, false
}

// Kind distinguishes the two files an artifact may consist of.
type Kind string

// Artifact file kinds.
const (
	KindDocument Kind = "document"
	KindRaster   Kind = "raster"
)

// Ext returns the file extension used for the kind.
func (k Kind) Ext() string {
	switch k {
	case KindDocument:
		return ".pdf"
	case KindRaster:
		return ".png"
	default:
		return ""
	}
}

// ContentType returns the MIME type of files of this kind.
func (k Kind) ContentType() string {
	switch k {
	case KindDocument:
		return "application/pdf"
	case KindRaster:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// ArtifactState is the lifecycle state of one (date, source) artifact.
type ArtifactState int

// Artifact lifecycle states, in order.
const (
	StateAbsent ArtifactState = iota
	StateFetched
	StateReady
)

func (s ArtifactState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateFetched:
		return "fetched"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidSourceID reports whether id is safe to use as a cache file name.
func ValidSourceID(id string) bool {
	return sourceIDPattern.MatchString(id)
}

// ArtifactKey identifies an artifact by date and source.
type ArtifactKey struct {
	Date     DateKey `json:"date"`
	SourceID string  `json:"source_id"`
}

// Validate rejects keys that cannot be mapped onto the cache layout.
func (k ArtifactKey) Validate() error {
	if _, err := k.Date.Time(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !ValidSourceID(k.SourceID) {
		return fmt.Errorf("%w: source id %q", ErrInvalidKey, k.SourceID)
	}
	return nil
}

// Path returns the cache-relative path of the artifact file of the given kind.
func (k ArtifactKey) Path(kind Kind) string {
	return string(k.Date) + "/" + k.SourceID + kind.Ext()
}

func (k ArtifactKey) String() string {
	return string(k.Date) + "/" + k.SourceID
}

// Selection is the rotation selector's answer for one request.
type Selection struct {
	Source         Source  `json:"source"`
	Date           DateKey `json:"date"`
	DisplayMinutes int     `json:"display_minutes"`
	ImagePath      string  `json:"image_path"`
}

// Key returns the artifact key of the selection.
func (s Selection) Key() ArtifactKey {
	return ArtifactKey{Date: s.Date, SourceID: s.Source.ID}
}

// ReadyEvent is published whenever an artifact becomes Ready.
type ReadyEvent struct {
	Date        DateKey   `json:"date"`
	SourceID    string    `json:"source_id"`
	SourceURL   string    `json:"source_url"`
	Digest      string    `json:"digest,omitempty"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
	ConvertedAt time.Time `json:"converted_at"`
}
