package domain

import "errors"

var (
	// ErrMalformedOffer indicates a feed element that cannot be turned into an offer,
	// e.g. a missing or non-numeric id attribute.
	ErrMalformedOffer = errors.New("malformed offer")

	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedType indicates an unknown catalog or search backend type.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrInvalidConfig indicates a configuration value that cannot be used.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrSearchRejected indicates the search engine refused a request or part of a bulk request.
	ErrSearchRejected = errors.New("search engine rejected request")
)
