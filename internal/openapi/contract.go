// Package openapi merges the OpenAPI contracts attached to stubbed services
// into one document for the control API, and checks configured routes
// against the contract they claim to implement.
package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	pkglog "github.com/fixturelab/stub_server/pkg/log"
	"github.com/fixturelab/stub_server/pkg/stub/config"
)

// DocumentProvider exposes the merged contract document.
type DocumentProvider interface {
	Document(ctx context.Context) ([]byte, error)
}

// Service loads contract sources, merges them and caches the result until a
// source file changes on disk.
type Service struct {
	sources []config.ContractConfig
	logger  pkglog.Logger

	mu    sync.Mutex
	cache *cacheEntry
}

type cacheEntry struct {
	raw      []byte
	modTimes map[string]time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger overrides the logger used for merge reporting.
func WithLogger(logger pkglog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService constructs a Service over the configured contract sources.
func NewService(sources []config.ContractConfig, opts ...Option) *Service {
	s := &Service{
		sources: sources,
		logger:  pkglog.Shared(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Document returns the merged contract document in JSON form. With no
// sources configured it returns an empty, valid document.
func (s *Service) Document(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, ok := s.cachedIfCurrent(); ok {
		return data, nil
	}

	merged, modTimes, err := s.buildDocument(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	s.cache = &cacheEntry{raw: clone(raw), modTimes: modTimes}
	return clone(raw), nil
}

// Validate checks that every route of a contracted service appears in that
// service's contract with the configured method. All findings are reported
// together.
func (s *Service) Validate(ctx context.Context, services []config.ServiceConfig) error {
	var errs []error

	for _, source := range s.sources {
		if strings.TrimSpace(source.Service) == "" {
			continue
		}

		svc, ok := findService(services, source.Service)
		if !ok {
			errs = append(errs, fmt.Errorf("contract %s references unknown service %s", source.Path, source.Service))
			continue
		}

		doc, err := loadSource(ctx, source.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, route := range svc.Routes {
			if !hasOperation(doc, route.Path, route.Method) {
				errs = append(errs, fmt.Errorf("service %s route %s: %s %s not found in contract %s",
					svc.Name, route.Name, route.Method, route.Path, source.Path))
			}
		}
	}

	return errors.Join(errs...)
}

func (s *Service) cachedIfCurrent() ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	for _, source := range s.sources {
		info, err := os.Stat(source.Path)
		if err != nil {
			return nil, false
		}
		if !info.ModTime().Equal(s.cache.modTimes[source.Path]) {
			return nil, false
		}
	}
	return clone(s.cache.raw), true
}

func (s *Service) buildDocument(ctx context.Context) (*openapi3.T, map[string]time.Time, error) {
	base := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "Stubbed Service Contracts",
			Version: "1",
		},
		Paths: openapi3.NewPaths(),
	}
	components := openapi3.NewComponents()
	base.Components = &components

	docs := []*openapi3.T{base}
	modTimes := make(map[string]time.Time, len(s.sources))

	for _, source := range s.sources {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		doc, err := loadSource(ctx, source.Path)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc)
		modTimes[source.Path] = fileModTime(source.Path)
	}

	merged, err := mergeDocuments(docs)
	if err != nil {
		return nil, nil, err
	}
	return merged, modTimes, nil
}

func loadSource(ctx context.Context, path string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load contract %s: %w", path, err)
	}
	return doc, nil
}

func findService(services []config.ServiceConfig, name string) (config.ServiceConfig, bool) {
	for _, svc := range services {
		if strings.EqualFold(svc.Name, name) {
			return svc, true
		}
	}
	return config.ServiceConfig{}, false
}

// hasOperation reports whether the contract defines method on path. Concrete
// route paths match templated contract paths segment by segment.
func hasOperation(doc *openapi3.T, path, method string) bool {
	if doc == nil || doc.Paths == nil {
		return false
	}

	if item := doc.Paths.Find(path); item != nil {
		return item.GetOperation(strings.ToUpper(method)) != nil
	}

	for template, item := range doc.Paths.Map() {
		if pathMatches(template, path) && item.GetOperation(strings.ToUpper(method)) != nil {
			return true
		}
	}
	return false
}

func pathMatches(template, concrete string) bool {
	tseg := strings.Split(strings.Trim(template, "/"), "/")
	cseg := strings.Split(strings.Trim(concrete, "/"), "/")
	if len(tseg) != len(cseg) {
		return false
	}
	for i := range tseg {
		if strings.HasPrefix(tseg[i], "{") && strings.HasSuffix(tseg[i], "}") {
			continue
		}
		if tseg[i] != cseg[i] {
			return false
		}
	}
	return true
}

func mergeDocuments(docs []*openapi3.T) (*openapi3.T, error) {
	if len(docs) == 0 {
		return nil, errors.New("no openapi documents to merge")
	}

	base := docs[0]

	if base.Paths == nil {
		base.Paths = openapi3.NewPaths()
	}
	if base.Components == nil {
		components := openapi3.NewComponents()
		base.Components = &components
	}

	for _, doc := range docs[1:] {
		if err := mergePaths(base.Paths, doc.Paths); err != nil {
			return nil, err
		}
		if err := mergeComponents(base.Components, doc.Components); err != nil {
			return nil, err
		}
		base.Tags = mergeTags(base.Tags, doc.Tags)
		base.Servers = mergeServers(base.Servers, doc.Servers)
		base.Security = mergeSecurity(base.Security, doc.Security)
	}

	return base, nil
}

func mergePaths(dst, src *openapi3.Paths) error {
	if src == nil {
		return nil
	}
	if dst == nil {
		return errors.New("destination paths not initialised")
	}

	dstMap := dst.Map()
	for path, item := range src.Map() {
		if _, exists := dstMap[path]; exists {
			return fmt.Errorf("duplicate path detected: %s", path)
		}
		dst.Set(path, item)
	}

	if len(src.Extensions) > 0 {
		if dst.Extensions == nil {
			dst.Extensions = make(map[string]interface{}, len(src.Extensions))
		}
		for key, value := range src.Extensions {
			if _, exists := dst.Extensions[key]; exists {
				return fmt.Errorf("duplicate path extension detected: %s", key)
			}
			dst.Extensions[key] = value
		}
	}

	return nil
}

func mergeComponents(dst, src *openapi3.Components) error {
	if src == nil {
		return nil
	}
	if dst == nil {
		return errors.New("destination components not initialised")
	}

	if err := mergeComponentMap(&dst.Schemas, src.Schemas, "schema"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.Parameters, src.Parameters, "parameter"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.Headers, src.Headers, "header"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.RequestBodies, src.RequestBodies, "request body"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.Responses, src.Responses, "response"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.Examples, src.Examples, "example"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.SecuritySchemes, src.SecuritySchemes, "security scheme"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.Links, src.Links, "link"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.Callbacks, src.Callbacks, "callback"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.Extensions, src.Extensions, "extension"); err != nil {
		return err
	}

	return nil
}

func mergeComponentMap[M ~map[string]V, V any](dst *M, src M, label string) error {
	if len(src) == 0 {
		return nil
	}
	if *dst == nil {
		*dst = make(M, len(src))
	}
	for key, value := range src {
		if _, exists := (*dst)[key]; exists {
			return fmt.Errorf("duplicate %s detected: %s", label, key)
		}
		(*dst)[key] = value
	}
	return nil
}

func mergeTags(dst openapi3.Tags, src openapi3.Tags) openapi3.Tags {
	if len(src) == 0 {
		return dst
	}

	existing := make(map[string]struct{}, len(dst))
	for _, tag := range dst {
		if tag != nil {
			existing[tag.Name] = struct{}{}
		}
	}

	for _, tag := range src {
		if tag == nil {
			continue
		}
		if _, ok := existing[tag.Name]; ok {
			continue
		}
		dst = append(dst, tag)
		existing[tag.Name] = struct{}{}
	}
	return dst
}

func mergeServers(dst, src openapi3.Servers) openapi3.Servers {
	if len(src) == 0 {
		return dst
	}

	existing := make(map[string]struct{}, len(dst))
	for _, server := range dst {
		if server != nil {
			existing[server.URL] = struct{}{}
		}
	}

	for _, server := range src {
		if server == nil {
			continue
		}
		if _, ok := existing[server.URL]; ok {
			continue
		}
		dst = append(dst, server)
		existing[server.URL] = struct{}{}
	}
	return dst
}

func mergeSecurity(dst, src openapi3.SecurityRequirements) openapi3.SecurityRequirements {
	if len(src) == 0 {
		return dst
	}
	return append(dst, src...)
}

func fileModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func clone(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
