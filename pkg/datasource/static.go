package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/polisai/polis-pdti/pkg/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidEntries is returned when a static entry file cannot be used.
var ErrInvalidEntries = errors.New("invalid static directory entries")

// Entry is a directory entry as written in a static entry file.
type Entry struct {
	DN         string              `yaml:"dn"`
	Attributes map[string][]string `yaml:"attributes"`
}

type entryFile struct {
	Entries []Entry `yaml:"entries"`
}

type entry struct {
	dn     string
	key    string
	parent string
	attrs  map[string][]string // keyed by lower-cased attribute name
	names  map[string]string   // lower-cased name to declared name
}

func (e *entry) values(attr string) []string {
	return e.attrs[strings.ToLower(attr)]
}

// StaticDataSource answers search operations from an in-memory set of
// entries. Every other operation is refused with unwillingToPerform.
type StaticDataSource struct {
	name    string
	entries []*entry
	byKey   map[string]*entry
	logger  *slog.Logger
}

// LoadStatic reads a YAML entry file.
func LoadStatic(name, path string, logger *slog.Logger) (*StaticDataSource, error) {
	//nolint:gosec // entry file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static entries %s: %w", path, err)
	}
	var file entryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidEntries, path, err)
	}
	return NewStaticDataSource(name, file.Entries, logger)
}

// NewStaticDataSource indexes entries. DNs must be unique.
func NewStaticDataSource(name string, entries []Entry, logger *slog.Logger) (*StaticDataSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &StaticDataSource{
		name:   name,
		byKey:  make(map[string]*entry, len(entries)),
		logger: logger.With("datasource", name),
	}
	for i, raw := range entries {
		key := normalizeDN(raw.DN)
		if key == "" {
			return nil, fmt.Errorf("%w: entry %d has no dn", ErrInvalidEntries, i)
		}
		if _, dup := s.byKey[key]; dup {
			return nil, fmt.Errorf("%w: duplicate dn %q", ErrInvalidEntries, raw.DN)
		}
		e := &entry{
			dn:     strings.TrimSpace(raw.DN),
			key:    key,
			parent: parentDN(key),
			attrs:  make(map[string][]string, len(raw.Attributes)),
			names:  make(map[string]string, len(raw.Attributes)),
		}
		for attr, values := range raw.Attributes {
			lower := strings.ToLower(attr)
			e.attrs[lower] = append(e.attrs[lower], values...)
			e.names[lower] = attr
		}
		s.byKey[key] = e
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// Name implements domain.DataSource.
func (s *StaticDataSource) Name() string {
	return s.name
}

// Len reports the number of loaded entries.
func (s *StaticDataSource) Len() int {
	return len(s.entries)
}

// ProcessData implements domain.DataSource. It answers with a single batch
// response holding one entry per operation, in operation order.
func (s *StaticDataSource) ProcessData(ctx context.Context, req *domain.BatchRequest) ([]domain.BatchResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := domain.BatchResponse{RequestID: req.RequestID, Entries: make([]domain.ResponseEntry, 0, len(req.Operations))}
	for _, op := range req.Operations {
		resp.Entries = append(resp.Entries, s.answer(op))
	}
	s.logger.Debug("static datasource answered batch",
		"request_id", req.RequestID,
		"operations", len(req.Operations),
	)
	return []domain.BatchResponse{resp}, nil
}

func (s *StaticDataSource) answer(op domain.Operation) domain.ResponseEntry {
	switch op.Kind {
	case domain.OperationSearch:
		if op.Search == nil {
			return malformed(op, "search operation without search parameters")
		}
		return domain.ResponseEntry{Kind: domain.EntrySearch, Search: s.search(op.RequestID, op.Search)}
	case domain.OperationAdd, domain.OperationModify, domain.OperationDelete,
		domain.OperationModifyDN, domain.OperationCompare, domain.OperationExtended:
		return domain.ResponseEntry{
			Kind: domain.EntryKind(op.Kind),
			Result: &domain.LDAPResult{
				RequestID:  op.RequestID,
				ResultCode: domain.ResultUnwillingToPerform,
				MatchedDN:  op.DN,
				Message:    fmt.Sprintf("%s is read-only", s.name),
			},
		}
	default:
		return malformed(op, fmt.Sprintf("unsupported operation kind %q", op.Kind))
	}
}

func malformed(op domain.Operation, msg string) domain.ResponseEntry {
	return domain.ResponseEntry{
		Kind: domain.EntryError,
		Error: &domain.ErrorResponse{
			RequestID: op.RequestID,
			Type:      domain.ErrorTypeMalformedRequest,
			Message:   msg,
		},
	}
}

func (s *StaticDataSource) search(requestID string, req *domain.SearchRequest) *domain.SearchResponse {
	out := &domain.SearchResponse{RequestID: requestID, Entries: []domain.SearchResultEntry{}}

	f, err := parseFilter(req.Filter)
	if err != nil {
		out.Done = domain.SearchResultDone{ResultCode: domain.ResultOperationsError, Message: err.Error()}
		return out
	}

	base := normalizeDN(req.BaseDN)
	if base != "" && !s.hasBase(base) {
		out.Done = domain.SearchResultDone{ResultCode: domain.ResultNoSuchObject, Message: fmt.Sprintf("no such object: %s", req.BaseDN)}
		return out
	}

	scope := req.Scope
	if scope == "" {
		scope = domain.ScopeWholeSubtree
	}

	var matched []*entry
	for _, e := range s.entries {
		if inScope(e, base, scope) && f.match(e) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].key < matched[j].key })

	if req.SizeLimit > 0 && len(matched) > req.SizeLimit {
		matched = matched[:req.SizeLimit]
		out.Done.ResultCode = domain.ResultSizeLimitExceeded
		out.Done.Message = fmt.Sprintf("size limit %d exceeded", req.SizeLimit)
	}

	for _, e := range matched {
		out.Entries = append(out.Entries, project(e, req.Attributes))
	}
	return out
}

// hasBase reports whether base names an entry or an ancestor of one.
func (s *StaticDataSource) hasBase(base string) bool {
	if _, ok := s.byKey[base]; ok {
		return true
	}
	suffix := "," + base
	for _, e := range s.entries {
		if strings.HasSuffix(e.key, suffix) {
			return true
		}
	}
	return false
}

func inScope(e *entry, base string, scope domain.SearchScope) bool {
	switch scope {
	case domain.ScopeBaseObject:
		return e.key == base
	case domain.ScopeSingleLevel:
		return e.parent == base
	default:
		return base == "" || e.key == base || strings.HasSuffix(e.key, ","+base)
	}
}

func project(e *entry, requested []string) domain.SearchResultEntry {
	out := domain.SearchResultEntry{DN: e.dn}

	names := make([]string, 0, len(e.attrs))
	if len(requested) == 0 || (len(requested) == 1 && requested[0] == "*") {
		for lower := range e.attrs {
			names = append(names, lower)
		}
	} else {
		for _, attr := range requested {
			if _, ok := e.attrs[strings.ToLower(attr)]; ok {
				names = append(names, strings.ToLower(attr))
			}
		}
	}
	sort.Strings(names)

	for _, lower := range names {
		out.Attributes = append(out.Attributes, domain.Attribute{
			Name:   e.names[lower],
			Values: append([]string(nil), e.attrs[lower]...),
		})
	}
	return out
}

// normalizeDN lower-cases a DN and trims whitespace around its RDNs.
func normalizeDN(dn string) string {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return ""
	}
	parts := strings.Split(dn, ",")
	for i, part := range parts {
		attr, value, ok := strings.Cut(part, "=")
		if !ok {
			parts[i] = strings.ToLower(strings.TrimSpace(part))
			continue
		}
		parts[i] = strings.ToLower(strings.TrimSpace(attr)) + "=" + strings.ToLower(strings.TrimSpace(value))
	}
	return strings.Join(parts, ",")
}

func parentDN(key string) string {
	_, parent, ok := strings.Cut(key, ",")
	if !ok {
		return ""
	}
	return parent
}
