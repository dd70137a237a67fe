// SPDX-License-Identifier: MIT

// Package dash parses the transcoder's MPD manifests far enough to
// answer readiness and validation questions: which representations
// exist, which segment files the timeline declares, and how many.
package dash

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Manifest is the decoded subset of an MPD document.
type Manifest struct {
	Representations []Representation
}

// Representation is one encoded rendition with its declared segments.
type Representation struct {
	ID            string
	Bandwidth     int
	InitSegment   string
	MediaSegments []string
}

// Primary returns the first representation, the one clients start
// playback from.
func (m *Manifest) Primary() (Representation, bool) {
	if len(m.Representations) == 0 {
		return Representation{}, false
	}
	return m.Representations[0], true
}

type xmlMPD struct {
	Periods []xmlPeriod `xml:"Period"`
}

type xmlPeriod struct {
	AdaptationSets []xmlAdaptationSet `xml:"AdaptationSet"`
}

type xmlAdaptationSet struct {
	SegmentTemplate *xmlSegmentTemplate `xml:"SegmentTemplate"`
	Representations []xmlRepresentation `xml:"Representation"`
}

type xmlRepresentation struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int                 `xml:"bandwidth,attr"`
	SegmentTemplate *xmlSegmentTemplate `xml:"SegmentTemplate"`
}

type xmlSegmentTemplate struct {
	Initialization string             `xml:"initialization,attr"`
	Media          string             `xml:"media,attr"`
	StartNumber    *int               `xml:"startNumber,attr"`
	Timeline       xmlSegmentTimeline `xml:"SegmentTimeline"`
}

type xmlSegmentTimeline struct {
	Segments []xmlS `xml:"S"`
}

type xmlS struct {
	D int64 `xml:"d,attr"`
	R int64 `xml:"r,attr"`
}

// Parse decodes an MPD document from r.
func Parse(r io.Reader) (*Manifest, error) {
	var doc xmlMPD
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode mpd: %w", err)
	}

	m := &Manifest{}
	for _, period := range doc.Periods {
		for _, set := range period.AdaptationSets {
			for _, rep := range set.Representations {
				tmpl := rep.SegmentTemplate
				if tmpl == nil {
					tmpl = set.SegmentTemplate
				}
				if tmpl == nil {
					continue
				}
				decoded, err := expandRepresentation(rep, tmpl)
				if err != nil {
					return nil, err
				}
				m.Representations = append(m.Representations, decoded)
			}
		}
	}
	if len(m.Representations) == 0 {
		return nil, fmt.Errorf("mpd declares no representations")
	}
	return m, nil
}

// ParseFile decodes the MPD at path.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path) // #nosec G304 -- path is cache-store derived
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func expandRepresentation(rep xmlRepresentation, tmpl *xmlSegmentTemplate) (Representation, error) {
	start := 1
	if tmpl.StartNumber != nil {
		start = *tmpl.StartNumber
	}

	count := 0
	for _, s := range tmpl.Timeline.Segments {
		count += int(s.R) + 1
	}

	out := Representation{
		ID:          rep.ID,
		Bandwidth:   rep.Bandwidth,
		InitSegment: strings.ReplaceAll(tmpl.Initialization, "$RepresentationID$", rep.ID),
	}
	for i := 0; i < count; i++ {
		name, err := expandMedia(tmpl.Media, rep.ID, start+i)
		if err != nil {
			return Representation{}, err
		}
		out.MediaSegments = append(out.MediaSegments, name)
	}
	return out, nil
}

var numberToken = regexp.MustCompile(`\$Number(%0\d+d)?\$`)

// expandMedia substitutes $RepresentationID$ and $Number...$ tokens in
// a media template, honouring the optional printf-style width.
func expandMedia(tmpl, repID string, number int) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("mpd media template is empty")
	}
	out := strings.ReplaceAll(tmpl, "$RepresentationID$", repID)
	matched := false
	out = numberToken.ReplaceAllStringFunc(out, func(tok string) string {
		matched = true
		sub := numberToken.FindStringSubmatch(tok)
		if sub[1] == "" {
			return strconv.Itoa(number)
		}
		return fmt.Sprintf(sub[1], number)
	})
	if !matched {
		return "", fmt.Errorf("mpd media template %q has no $Number$ token", tmpl)
	}
	return out, nil
}
