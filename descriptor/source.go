package descriptor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/scr"
	"github.com/GoCodeAlone/scr/bundle"
)

// HeaderServiceComponent lists a bundle's descriptor entries, comma
// separated.
const HeaderServiceComponent = "Service-Component"

// DefaultEntry is read when a bundle has no Service-Component header.
const DefaultEntry = "OSGI-INF/components.yaml"

// ErrEntryNotFound is returned when a listed descriptor entry is missing.
var ErrEntryNotFound = errors.New("descriptor entry not found")

// BundleSource reads the component descriptors packaged in bundles. It
// implements scr.DescriptionSource.
type BundleSource struct{}

// NewBundleSource creates a bundle description source.
func NewBundleSource() *BundleSource { return &BundleSource{} }

// Descriptions implements scr.DescriptionSource. A bundle without the
// header and without the default entry declares no components.
func (s *BundleSource) Descriptions(b *bundle.Bundle) ([]*scr.ComponentDescription, error) {
	header := strings.TrimSpace(b.Header(HeaderServiceComponent))
	if header == "" {
		data, ok := b.Entry(DefaultEntry)
		if !ok {
			return nil, nil
		}
		return parseEntry(b, DefaultEntry, data)
	}

	var (
		out  []*scr.ComponentDescription
		errs []error
	)
	for _, entry := range strings.Split(header, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		data, ok := b.Entry(entry)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, entry, b.SymbolicName()))
			continue
		}
		descs, err := parseEntry(b, entry, data)
		out = append(out, descs...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func parseEntry(b *bundle.Bundle, entry string, data []byte) ([]*scr.ComponentDescription, error) {
	format, err := FormatOf(entry)
	if err != nil {
		return nil, err
	}
	descs, err := Parse(data, format)
	if err != nil {
		return descs, fmt.Errorf("%s in %s: %w", entry, b.SymbolicName(), err)
	}
	return descs, nil
}
