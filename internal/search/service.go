package search

import "log"

// Service is the facade the engine talks to. All indexing is fire-and-forget
// to Meilisearch; a down backend returns empty results rather than errors.
type Service struct {
	meili *Meili
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili}
}

// Available reports whether the Meilisearch backend is reachable. Callers
// that can answer a query from their own indexes should fall back when it
// is not.
func (s *Service) Available() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search returns results from Meilisearch, or an empty response when the
// backend is unavailable.
func (s *Service) Search(q Query) Response {
	if s.meili == nil || !s.meili.Healthy() {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.meili.Search(q)
	if err != nil {
		log.Printf("search: meilisearch error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexEntry indexes an archive entry (fire-and-forget).
func (s *Service) IndexEntry(record EntryRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexEntry(record); err != nil {
			log.Printf("search: index entry %s: %v", record.ID, err)
		}
	}()
}

// IndexDefinition indexes a dictionary definition (fire-and-forget).
func (s *Service) IndexDefinition(record DefinitionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDefinition(record); err != nil {
			log.Printf("search: index definition %s: %v", record.ID, err)
		}
	}()
}

// DeleteEntry removes an archive entry from the index (fire-and-forget).
func (s *Service) DeleteEntry(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteEntry(id); err != nil {
			log.Printf("search: delete entry %s: %v", id, err)
		}
	}()
}

// DeleteDefinition removes a definition from the index (fire-and-forget).
func (s *Service) DeleteDefinition(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDefinition(id); err != nil {
			log.Printf("search: delete definition %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes a full scan of the repository into Meilisearch. Called
// at startup and after bulk mutations.
func (s *Service) ReindexAll(entries []EntryRecord, definitions []DefinitionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexEntries(entries); err != nil {
		log.Printf("search: reindex entries: %v", err)
	}
	if err := s.meili.IndexDefinitions(definitions); err != nil {
		log.Printf("search: reindex definitions: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
