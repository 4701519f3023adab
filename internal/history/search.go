package history

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"agentbridge/internal/router"
)

// SearchIndex provides full-text search over session transcripts.
type SearchIndex struct {
	index bleve.Index
}

// transcriptDoc is what gets indexed per session.
type transcriptDoc struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// NewSearchIndex creates or opens the transcript index. A corrupted index is
// deleted and recreated; transcripts are re-indexed on their next save.
func NewSearchIndex(indexPath string) (*SearchIndex, error) {
	index, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(indexPath, buildTranscriptMapping())
		if err != nil {
			return nil, fmt.Errorf("create transcript index: %w", err)
		}
	} else if err != nil {
		log.Printf("WARNING: transcript index unreadable (%v), recreating", err)
		if index != nil {
			index.Close()
		}
		if err := os.RemoveAll(indexPath); err != nil {
			return nil, fmt.Errorf("remove corrupted transcript index: %w", err)
		}
		index, err = bleve.New(indexPath, buildTranscriptMapping())
		if err != nil {
			return nil, fmt.Errorf("recreate transcript index: %w", err)
		}
	}
	return &SearchIndex{index: index}, nil
}

func buildTranscriptMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	titleField := bleve.NewTextFieldMapping()
	titleField.Analyzer = standard.Name
	titleField.Store = true
	docMapping.AddFieldMappingsAt("title", titleField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	docMapping.AddFieldMappingsAt("text", textField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Index (re)indexes one session's transcript.
func (s *SearchIndex) Index(sessionID, title string, messages []*router.ChatMessage) error {
	var text strings.Builder
	for _, m := range messages {
		if t := m.Text(); t != "" {
			text.WriteString(t)
			text.WriteByte('\n')
		}
	}
	return s.index.Index(sessionID, transcriptDoc{Title: title, Text: text.String()})
}

// Search returns session ids matching the query, best first.
func (s *SearchIndex) Search(query string, limit int) ([]string, error) {
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search transcripts: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Delete removes a session from the index.
func (s *SearchIndex) Delete(sessionID string) error {
	return s.index.Delete(sessionID)
}

// Close releases the index.
func (s *SearchIndex) Close() error {
	return s.index.Close()
}
