package ingest

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/pkg/processor"
)

// Elements whose paragraphs are not part of the running text.
const skipParents = "teiheader, abstract, div[type=abstract], back, figure, note, table"

// ParseTEI extracts the title, abstract and body paragraphs of a GROBID
// TEI document and chunks them into a record.
func ParseTEI(r io.Reader, sourceFilename string, p *processor.Processor) (models.Record, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return models.Record{}, fmt.Errorf("parse TEI %s: %w", sourceFilename, err)
	}

	title := cleanContent(doc.Find("titlestmt title").First().Text())
	if title == "" {
		title = cleanContent(doc.Find("title").First().Text())
	}

	abstract := cleanContent(doc.Find("abstract").Text())
	if abstract == "" {
		abstract = cleanContent(doc.Find("div[type=abstract]").Text())
	}

	var paragraphs []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(skipParents).Length() > 0 {
			return
		}
		if text := cleanContent(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	var parts []string
	for _, s := range append([]string{title, abstract}, paragraphs...) {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return models.Record{}, fmt.Errorf("TEI %s has no text", sourceFilename)
	}

	return p.Process(sourceFilename, abstract, nil, strings.Join(parts, "\n\n")), nil
}

func cleanContent(content string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(content), " "))
}
