package search

import "github.com/rotisserie/eris"

var (
	// ErrInvalidQuery is returned for an empty query text.
	ErrInvalidQuery = eris.New("search: query text is required")
	// ErrNoResults is returned when no provider produced candidates and no
	// query-level cache entry exists.
	ErrNoResults = eris.New("search: no results from any provider")
	// ErrClosed is returned by Search after Close.
	ErrClosed = eris.New("search: service closed")
)
