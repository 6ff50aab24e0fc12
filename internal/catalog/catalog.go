// Package catalog loads the source and viewer catalogs from a YAML file.
//
// Source URLs are text/template strings evaluated per date, for example
//
//	url: "https://cdn.freedomforum.org/dfp/pdf{{.Day}}/NY_NYT.pdf"
//	url: "https://static01.nyt.com/images/{{.Date.Format \"2006/01/02\"}}/nytfrontpage/scan.pdf"
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"
	_ "time/tzdata" // viewer zones must resolve without system zoneinfo

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/newsstand/internal/newsstand"
)

// URLData is the value URL templates are executed against.
type URLData struct {
	Date  time.Time
	Year  int
	Month int
	Day   int
	Key   string
}

type fileSource struct {
	ID             string  `yaml:"id"`
	Name           string  `yaml:"name"`
	URL            string  `yaml:"url"`
	DisplayMinutes int     `yaml:"display_minutes"`
	Scale          float64 `yaml:"scale"`
}

type fileViewer struct {
	ID            string                   `yaml:"id"`
	Name          string                   `yaml:"name"`
	Timezone      string                   `yaml:"timezone"`
	Subscriptions []newsstand.Subscription `yaml:"subscriptions"`
}

type file struct {
	Sources []fileSource `yaml:"sources"`
	Viewers []fileViewer `yaml:"viewers"`
}

// Catalog holds the immutable source and viewer catalogs.
type Catalog struct {
	sources     []newsstand.Source
	sourcesByID map[string]newsstand.Source
	viewers     []*newsstand.Viewer
	viewersByID map[string]*newsstand.Viewer
}

var (
	_ newsstand.SourceCatalog = (*Catalog)(nil)
	_ newsstand.ViewerCatalog = (*Catalog)(nil)
)

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	// #nosec G304 -- catalog path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	sources := make([]newsstand.Source, 0, len(f.Sources))
	for _, fs := range f.Sources {
		fn, err := TemplateURL(fs.ID, fs.URL)
		if err != nil {
			return nil, err
		}
		sources = append(sources, newsstand.Source{
			ID:             fs.ID,
			Name:           fs.Name,
			DisplayMinutes: fs.DisplayMinutes,
			Scale:          fs.Scale,
			URL:            fn,
		})
	}

	viewers := make([]*newsstand.Viewer, 0, len(f.Viewers))
	for _, fv := range f.Viewers {
		viewers = append(viewers, &newsstand.Viewer{
			ID:            fv.ID,
			Name:          fv.Name,
			Timezone:      fv.Timezone,
			Subscriptions: fv.Subscriptions,
		})
	}
	return New(sources, viewers)
}

// New validates sources and viewers and builds a Catalog. Viewer locations
// are resolved from their Timezone when not already set.
func New(sources []newsstand.Source, viewers []*newsstand.Viewer) (*Catalog, error) {
	c := &Catalog{
		sourcesByID: make(map[string]newsstand.Source, len(sources)),
		viewersByID: make(map[string]*newsstand.Viewer, len(viewers)),
	}
	var errs []error
	for _, src := range sources {
		switch {
		case !newsstand.ValidSourceID(src.ID):
			errs = append(errs, fmt.Errorf("source id %q must match [A-Za-z0-9_-]+", src.ID))
			continue
		case src.URL == nil:
			errs = append(errs, fmt.Errorf("source %s: url is required", src.ID))
			continue
		case src.DisplayMinutes < 0:
			errs = append(errs, fmt.Errorf("source %s: display_minutes must not be negative", src.ID))
			continue
		}
		if _, dup := c.sourcesByID[src.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate source id %q", src.ID))
			continue
		}
		c.sourcesByID[src.ID] = src
		c.sources = append(c.sources, src)
	}

	for _, v := range viewers {
		if v == nil || strings.TrimSpace(v.ID) == "" {
			errs = append(errs, errors.New("viewer id is required"))
			continue
		}
		if _, dup := c.viewersByID[v.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate viewer id %q", v.ID))
			continue
		}
		if v.Location == nil && v.Timezone != "" {
			loc, err := time.LoadLocation(v.Timezone)
			if err != nil {
				errs = append(errs, fmt.Errorf("viewer %s: timezone %q: %w", v.ID, v.Timezone, err))
				continue
			}
			v.Location = loc
		}
		c.viewersByID[v.ID] = v
		c.viewers = append(c.viewers, v)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// TemplateURL compiles a URL template into a newsstand.URLFunc.
func TemplateURL(id, text string) (newsstand.URLFunc, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("source %s: url is required", id)
	}
	tmpl, err := template.New(id).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("source %s: parse url template: %w", id, err)
	}
	return func(date time.Time) (string, error) {
		var buf bytes.Buffer
		data := URLData{
			Date:  date,
			Year:  date.Year(),
			Month: int(date.Month()),
			Day:   date.Day(),
			Key:   date.Format(newsstand.DateKeyLayout),
		}
		if err := tmpl.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("execute url template: %w", err)
		}
		return buf.String(), nil
	}, nil
}

// Source looks up a source by id.
func (c *Catalog) Source(id string) (newsstand.Source, bool) {
	src, ok := c.sourcesByID[id]
	return src, ok
}

// Sources returns the sources in file order.
func (c *Catalog) Sources() []newsstand.Source {
	return slices.Clone(c.sources)
}

// Viewer looks up a viewer by id.
func (c *Catalog) Viewer(id string) (*newsstand.Viewer, bool) {
	v, ok := c.viewersByID[id]
	return v, ok
}

// Viewers returns the viewers in file order.
func (c *Catalog) Viewers() []*newsstand.Viewer {
	return slices.Clone(c.viewers)
}
