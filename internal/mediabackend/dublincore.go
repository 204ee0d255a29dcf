package mediabackend

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
)

type dcValue struct {
	Value string `xml:",chardata"`
}

type dublinCore struct {
	XMLName      xml.Name  `xml:"dublincore"`
	XMLNS        string    `xml:"xmlns,attr"`
	XMLNSDcterms string    `xml:"xmlns:dcterms,attr"`
	Title        dcValue   `xml:"dcterms:title"`
	Subjects     []dcValue `xml:"dcterms:subject"`
	Description  *dcValue  `xml:"dcterms:description,omitempty"`
	Language     *dcValue  `xml:"dcterms:language,omitempty"`
	License      *dcValue  `xml:"dcterms:license,omitempty"`
	Rights       *dcValue  `xml:"dcterms:rightsHolder,omitempty"`
	Spatial      *dcValue  `xml:"dcterms:spatial,omitempty"`
	IsPartOf     *dcValue  `xml:"dcterms:isPartOf,omitempty"`
	Contributors []dcValue `xml:"dcterms:contributor"`
	Creators     []dcValue `xml:"dcterms:creator"`
	Publishers   []dcValue `xml:"dcterms:publisher"`
	Created      dcValue   `xml:"dcterms:created"`
	Temporal     dcValue   `xml:"dcterms:temporal"`
}

// EpisodeCatalog renders the metadata as a Dublin Core episode catalog.
func EpisodeCatalog(md ingest.EventMetadata) ([]byte, error) {
	doc := dublinCore{
		XMLNS:        "http://www.opencastproject.org/xsd/1.0/dublincore/",
		XMLNSDcterms: "http://purl.org/dc/terms/",
		Title:        dcValue{Value: md.Title},
		Subjects:     dcValues(md.Subjects),
		Description:  optional(md.Description),
		Language:     optional(md.Language),
		License:      optional(md.License),
		Rights:       optional(md.Rights),
		Spatial:      optional(md.Location),
		IsPartOf:     optional(md.SeriesID),
		Contributors: dcValues(md.Contributors),
		Creators:     dcValues(md.Creators),
		Publishers:   dcValues(md.Publishers),
		Created:      dcValue{Value: formatTime(md.Started)},
		Temporal:     dcValue{Value: period(md.Started, md.Ended)},
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render episode catalog: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func period(start, end time.Time) string {
	if end.IsZero() {
		end = start
	}
	return fmt.Sprintf("start=%s; end=%s; scheme=W3C-DTF;", formatTime(start), formatTime(end))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optional(v string) *dcValue {
	if v == "" {
		return nil
	}
	return &dcValue{Value: v}
}

func dcValues(values []string) []dcValue {
	out := make([]dcValue, 0, len(values))
	for _, v := range values {
		out = append(out, dcValue{Value: v})
	}
	return out
}
