package ncmec

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tipline/config"
	"tipline/core/utils"
)

// Validator checks outbound documents against the intake schema before they
// go on the wire. The schema is fetched from the service and cached on disk
// and in memory for the configured TTL.
//
// Validation is structural: the document must be well-formed and every
// element name must be declared somewhere in the schema. Full XSD semantics
// (facets, ordering models) are left to the service itself, which revalidates
// on submit anyway.
type Validator struct {
	transport Transport
	cacheDir  string
	ttl       time.Duration
	logger    *utils.Logger

	mu        sync.Mutex
	elements  map[string]bool
	fetchedAt time.Time
}

func NewValidator(transport Transport, cfg config.NcmecConfig, logger *utils.Logger) *Validator {
	return &Validator{
		transport: transport,
		cacheDir:  cfg.XSDCacheDir,
		ttl:       cfg.XSDCacheTTL,
		logger:    logger,
	}
}

// Validate returns an error only for documents the schema rules out. A
// schema that cannot be fetched is logged and treated as "no opinion": the
// submission proceeds and the service gives the authoritative answer.
func (v *Validator) Validate(ctx context.Context, doc []byte) error {
	elements, err := v.schemaElements(ctx)
	if err != nil {
		v.logger.Warnf("schema unavailable, skipping local validation: %v", err)
		return nil
	}
	if err := checkDocument(doc, elements); err != nil {
		v.logger.Errorf("document failed validation: %v\n%s", err, doc)
		return err
	}
	return nil
}

func (v *Validator) schemaElements(ctx context.Context) (map[string]bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.elements != nil && time.Since(v.fetchedAt) < v.ttl {
		return v.elements, nil
	}

	raw, fetchedAt, err := v.loadCacheFile()
	if err != nil || time.Since(fetchedAt) >= v.ttl {
		raw, err = v.transport.Schema(ctx)
		if err != nil {
			return nil, err
		}
		fetchedAt = time.Now()
		v.storeCacheFile(raw)
	}

	elements, err := parseSchemaElements(raw)
	if err != nil {
		return nil, err
	}
	v.elements = elements
	v.fetchedAt = fetchedAt
	return elements, nil
}

func (v *Validator) cachePath() string {
	return filepath.Join(v.cacheDir, "cybertip.xsd")
}

func (v *Validator) loadCacheFile() ([]byte, time.Time, error) {
	info, err := os.Stat(v.cachePath())
	if err != nil {
		return nil, time.Time{}, err
	}
	raw, err := os.ReadFile(v.cachePath())
	if err != nil {
		return nil, time.Time{}, err
	}
	return raw, info.ModTime(), nil
}

func (v *Validator) storeCacheFile(raw []byte) {
	if err := os.MkdirAll(v.cacheDir, 0o755); err != nil {
		v.logger.Warnf("schema cache dir: %v", err)
		return
	}
	if err := os.WriteFile(v.cachePath(), raw, 0o644); err != nil {
		v.logger.Warnf("schema cache write: %v", err)
	}
}

// parseSchemaElements collects every declared element name from the XSD.
func parseSchemaElements(raw []byte) (map[string]bool, error) {
	elements := make(map[string]bool)
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse schema: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "element" {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "name" && attr.Value != "" {
				elements[attr.Value] = true
			}
			if attr.Name.Local == "ref" && attr.Value != "" {
				elements[stripPrefix(attr.Value)] = true
			}
		}
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("schema declares no elements")
	}
	return elements, nil
}

func stripPrefix(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func checkDocument(doc []byte, elements map[string]bool) error {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var unknown []string
	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("document not well-formed at byte %d: %w", dec.InputOffset(), err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !elements[start.Name.Local] {
			unknown = append(unknown, fmt.Sprintf("%s (line %d)", start.Name.Local, lineAt(doc, offset)))
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("document uses elements the schema does not declare: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// lineAt maps a byte offset into the document to its 1-based line number.
func lineAt(doc []byte, offset int64) int {
	if offset > int64(len(doc)) {
		offset = int64(len(doc))
	}
	return 1 + bytes.Count(doc[:offset], []byte{'\n'})
}
