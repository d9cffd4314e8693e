// Package bidfile reads and writes bid books as YAML. JSON books are
// accepted too since JSON is valid YAML.
package bidfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// document is the on-disk layout of a book.
type document struct {
	Date   string            `yaml:"date"`
	Bids   []domain.Bid      `yaml:"bids"`
	Blocks []domain.BlockBid `yaml:"blocks,omitempty"`
}

// Load reads the book stored at path.
func Load(path string) (domain.BidBook, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.BidBook{}, fmt.Errorf("bidfile: open %s: %w", path, err)
	}
	defer f.Close()

	book, err := Decode(f)
	if err != nil {
		return domain.BidBook{}, fmt.Errorf("bidfile: %s: %w", path, err)
	}
	return book, nil
}

// Decode parses one book. Unknown fields are rejected so a misspelled
// key does not silently turn into a zero price or volume.
func Decode(r io.Reader) (domain.BidBook, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.BidBook{}, fmt.Errorf("empty book: %w", domain.ErrInvalidInput)
		}
		return domain.BidBook{}, fmt.Errorf("decode book: %w: %w", domain.ErrInvalidInput, err)
	}

	book := domain.BidBook{Bids: doc.Bids, Blocks: doc.Blocks}
	if doc.Date != "" {
		d, err := time.Parse(time.DateOnly, doc.Date)
		if err != nil {
			return domain.BidBook{}, fmt.Errorf("date %q: %w", doc.Date, domain.ErrInvalidInput)
		}
		book.Date = d
	}
	return book, nil
}

// Encode writes book in the layout Decode reads.
func Encode(w io.Writer, book domain.BidBook) error {
	doc := document{Bids: book.Bids, Blocks: book.Blocks}
	if !book.Date.IsZero() {
		doc.Date = book.Date.Format(time.DateOnly)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("bidfile: encode: %w", err)
	}
	return enc.Close()
}

// Parse is Decode over an in-memory document.
func Parse(data []byte) (domain.BidBook, error) {
	return Decode(bytes.NewReader(data))
}
