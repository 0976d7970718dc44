// Package feed streams offers out of a marketplace XML feed without loading
// the whole document.
package feed

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"

	"skulink/internal/domain"
)

// MalformedOfferError reports an offer element that could not be decoded.
// Ordinal is the 1-based position of the offer in the feed.
type MalformedOfferError struct {
	Ordinal int
	RawID   string
	Err     error
}

func (e *MalformedOfferError) Error() string {
	return fmt.Sprintf("offer #%d (id=%q): %v", e.Ordinal, e.RawID, e.Err)
}

func (e *MalformedOfferError) Unwrap() []error { return []error{domain.ErrMalformedOffer, e.Err} }

type xmlParam struct {
	Name  *string `xml:"name,attr"`
	Value string  `xml:",chardata"`
}

type xmlOffer struct {
	ID          *string    `xml:"id,attr"`
	Name        *string    `xml:"name"`
	Description *string    `xml:"description"`
	Vendor      *string    `xml:"vendor"`
	Price       *string    `xml:"price"`
	CategoryID  *string    `xml:"categoryId"`
	Params      []xmlParam `xml:"param"`
}

// Reader yields offers one at a time. It is forward-only; construct a new
// Reader to read the feed again.
type Reader struct {
	dec     *xml.Decoder
	ordinal int
	done    bool
}

// NewReader wraps r. Non UTF-8 feeds are decoded according to their XML declaration.
func NewReader(r io.Reader) *Reader {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	return &Reader{dec: dec}
}

// Open opens the feed file at path. The returned closer releases the file.
func Open(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open feed: %w", err)
	}
	return NewReader(f), f, nil
}

// Next returns the next offer, or io.EOF once the document is exhausted.
// A *MalformedOfferError leaves the reader positioned after the bad element,
// so callers may choose to continue. Any other error is final.
func (r *Reader) Next() (domain.Offer, error) {
	if r.done {
		return domain.Offer{}, io.EOF
	}
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.done = true
				return domain.Offer{}, io.EOF
			}
			r.done = true
			return domain.Offer{}, fmt.Errorf("read feed: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "offer" {
			continue
		}
		r.ordinal++

		var raw xmlOffer
		if err := r.dec.DecodeElement(&raw, &se); err != nil {
			r.done = true
			return domain.Offer{}, fmt.Errorf("read feed: offer #%d: %w", r.ordinal, err)
		}
		return toOffer(raw, r.ordinal)
	}
}

func toOffer(raw xmlOffer, ordinal int) (domain.Offer, error) {
	rawID := ""
	if raw.ID != nil {
		rawID = *raw.ID
	}
	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil {
		return domain.Offer{}, &MalformedOfferError{Ordinal: ordinal, RawID: rawID, Err: errors.New("missing or non-numeric id")}
	}
	return domain.Offer{
		ProductID:   id,
		Name:        raw.Name,
		Description: raw.Description,
		Vendor:      raw.Vendor,
		Price:       raw.Price,
		CategoryID:  raw.CategoryID,
		Features:    extractFeatures(raw.Params),
	}, nil
}

// extractFeatures collapses params into a map; the last value wins on duplicate names.
// Params without a name attribute are dropped.
func extractFeatures(params []xmlParam) map[string]string {
	features := make(map[string]string, len(params))
	for _, p := range params {
		if p.Name == nil {
			continue
		}
		features[*p.Name] = p.Value
	}
	return features
}
