package domain

// Well-known control OIDs defined by the IHE HPD federation profile.
const (
	// OIDFederationStatus identifies the federated response status control
	// attached to a search response's done marker.
	OIDFederationStatus = "1.3.6.1.4.1.19376.1.2.4.4.8"
	// OIDSearchEntryMetadata identifies the per-entry provenance control.
	OIDSearchEntryMetadata = "1.3.6.1.4.1.19376.1.2.4.4.7"
	// OIDFederatedRequest marks a request operation as opting into federation.
	OIDFederatedRequest = "1.3.6.1.4.1.19376.1.2.4.4.1"
)

// RequestKindBatch is the request kind recorded on audit records.
const RequestKindBatch = "BatchRequest"

// OperationKind names a DSML batch sub-operation.
type OperationKind string

const (
	OperationSearch   OperationKind = "search"
	OperationAdd      OperationKind = "add"
	OperationModify   OperationKind = "modify"
	OperationDelete   OperationKind = "delete"
	OperationModifyDN OperationKind = "modifyDN"
	OperationCompare  OperationKind = "compare"
	OperationExtended OperationKind = "extended"
)

// EntryKind tags the variant held by a ResponseEntry.
type EntryKind string

const (
	EntrySearch   EntryKind = "search"
	EntryError    EntryKind = "error"
	EntryAdd      EntryKind = "add"
	EntryModify   EntryKind = "modify"
	EntryDelete   EntryKind = "delete"
	EntryModifyDN EntryKind = "modifyDN"
	EntryCompare  EntryKind = "compare"
	EntryExtended EntryKind = "extended"
)

// SearchScope mirrors the DSML search scope values.
type SearchScope string

const (
	ScopeBaseObject   SearchScope = "baseObject"
	ScopeSingleLevel  SearchScope = "singleLevel"
	ScopeWholeSubtree SearchScope = "wholeSubtree"
)

// Control is an extension attached to a request or response element.
// Value holds the base64 text of a serialized metadata document.
type Control struct {
	Type        string `json:"type" yaml:"type"`
	Criticality bool   `json:"criticality" yaml:"criticality"`
	Value       string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Attribute is a named, multi-valued directory attribute.
type Attribute struct {
	Name   string   `json:"name" yaml:"name"`
	Values []string `json:"values" yaml:"values"`
}

// BatchRequest is a container of directory sub-operations processed together.
type BatchRequest struct {
	RequestID  string      `json:"requestId,omitempty"`
	Operations []Operation `json:"operations"`
}

// Operation is a single batch sub-operation. Its contents are opaque to the
// aggregation engine; only data sources interpret them.
type Operation struct {
	Kind       OperationKind  `json:"kind"`
	RequestID  string         `json:"requestId,omitempty"`
	Controls   []Control      `json:"controls,omitempty"`
	Search     *SearchRequest `json:"search,omitempty"`
	DN         string         `json:"dn,omitempty"`
	Attributes []Attribute    `json:"attributes,omitempty"`
}

// SearchRequest carries the search-specific fields of an operation.
type SearchRequest struct {
	BaseDN     string      `json:"baseDn"`
	Scope      SearchScope `json:"scope,omitempty"`
	Filter     string      `json:"filter,omitempty"`
	Attributes []string    `json:"attributes,omitempty"`
	SizeLimit  int         `json:"sizeLimit,omitempty"`
}

// BatchResponse is the ordered set of response entries for a batch.
type BatchResponse struct {
	RequestID string          `json:"requestId,omitempty"`
	Entries   []ResponseEntry `json:"entries"`
}

// ResponseEntry is a tagged union over result kinds. Exactly one of Search,
// Error or Result is set, matching Kind.
type ResponseEntry struct {
	Kind   EntryKind       `json:"kind"`
	Search *SearchResponse `json:"search,omitempty"`
	Error  *ErrorResponse  `json:"error,omitempty"`
	Result *LDAPResult     `json:"result,omitempty"`
}

// SearchResponse groups the entries and done marker for one search.
type SearchResponse struct {
	RequestID string              `json:"requestId,omitempty"`
	Entries   []SearchResultEntry `json:"entries"`
	Done      SearchResultDone    `json:"done"`
}

// SearchResultEntry is one directory entry returned by a search.
type SearchResultEntry struct {
	DN         string      `json:"dn"`
	Attributes []Attribute `json:"attributes,omitempty"`
	Controls   []Control   `json:"controls,omitempty"`
}

// SearchResultDone terminates a search response.
type SearchResultDone struct {
	ResultCode int       `json:"resultCode"`
	Message    string    `json:"message,omitempty"`
	Controls   []Control `json:"controls,omitempty"`
}

// LDAPResult is the generic result of a non-search operation.
type LDAPResult struct {
	RequestID  string    `json:"requestId,omitempty"`
	ResultCode int       `json:"resultCode"`
	MatchedDN  string    `json:"matchedDn,omitempty"`
	Message    string    `json:"message,omitempty"`
	Controls   []Control `json:"controls,omitempty"`
}

// ErrorType mirrors the DSML errorResponse type attribute.
type ErrorType string

const (
	ErrorTypeNotAttempted       ErrorType = "notAttempted"
	ErrorTypeCouldNotConnect    ErrorType = "couldNotConnect"
	ErrorTypeConnectionClosed   ErrorType = "connectionClosed"
	ErrorTypeMalformedRequest   ErrorType = "malformedRequest"
	ErrorTypeGatewayInternal    ErrorType = "gatewayInternalError"
	ErrorTypeAuthenticationFail ErrorType = "authenticationFailed"
	ErrorTypeUnresolvableURI    ErrorType = "unresolvableURI"
	ErrorTypeOther              ErrorType = "other"
)

// ErrorResponse is a synthetic error entry describing a captured failure.
type ErrorResponse struct {
	RequestID string       `json:"requestId,omitempty"`
	Type      ErrorType    `json:"type"`
	Class     FailureClass `json:"class,omitempty"`
	Message   string       `json:"message"`
	Detail    string       `json:"detail,omitempty"`
}

// LDAP result codes used by the gateway.
const (
	ResultSuccess            = 0
	ResultOperationsError    = 1
	ResultSizeLimitExceeded  = 4
	ResultNoSuchObject       = 32
	ResultUnwillingToPerform = 53
)

// Clone returns a deep copy of the request.
func (r *BatchRequest) Clone() *BatchRequest {
	if r == nil {
		return &BatchRequest{}
	}
	out := &BatchRequest{RequestID: r.RequestID}
	if r.Operations != nil {
		out.Operations = make([]Operation, len(r.Operations))
		for i, op := range r.Operations {
			out.Operations[i] = op.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the operation.
func (o Operation) Clone() Operation {
	out := o
	out.Controls = cloneControls(o.Controls)
	out.Attributes = cloneAttributes(o.Attributes)
	if o.Search != nil {
		search := *o.Search
		search.Attributes = append([]string(nil), o.Search.Attributes...)
		out.Search = &search
	}
	return out
}

// HasControl reports whether the operation carries a control of the given type.
func (o Operation) HasControl(oid string) bool {
	for _, ctrl := range o.Controls {
		if ctrl.Type == oid {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entry so the copy can be mutated without
// affecting the producer's value.
func (e ResponseEntry) Clone() ResponseEntry {
	out := ResponseEntry{Kind: e.Kind}
	if e.Search != nil {
		search := e.Search.Clone()
		out.Search = &search
	}
	if e.Error != nil {
		errResp := *e.Error
		out.Error = &errResp
	}
	if e.Result != nil {
		result := *e.Result
		result.Controls = cloneControls(e.Result.Controls)
		out.Result = &result
	}
	return out
}

// Clone returns a deep copy of the search response.
func (s SearchResponse) Clone() SearchResponse {
	out := SearchResponse{
		RequestID: s.RequestID,
		Done: SearchResultDone{
			ResultCode: s.Done.ResultCode,
			Message:    s.Done.Message,
			Controls:   cloneControls(s.Done.Controls),
		},
	}
	if s.Entries != nil {
		out.Entries = make([]SearchResultEntry, len(s.Entries))
		for i, entry := range s.Entries {
			out.Entries[i] = SearchResultEntry{
				DN:         entry.DN,
				Attributes: cloneAttributes(entry.Attributes),
				Controls:   cloneControls(entry.Controls),
			}
		}
	}
	return out
}

// SetControl replaces any control of the same type or appends ctrl, leaving
// exactly one control with ctrl.Type in the returned slice.
func SetControl(controls []Control, ctrl Control) []Control {
	out := controls[:0:0]
	for _, existing := range controls {
		if existing.Type != ctrl.Type {
			out = append(out, existing)
		}
	}
	return append(out, ctrl)
}

// CountControls returns how many controls in the slice carry the given type.
func CountControls(controls []Control, oid string) int {
	n := 0
	for _, ctrl := range controls {
		if ctrl.Type == oid {
			n++
		}
	}
	return n
}

func cloneControls(in []Control) []Control {
	if in == nil {
		return nil
	}
	return append([]Control(nil), in...)
}

func cloneAttributes(in []Attribute) []Attribute {
	if in == nil {
		return nil
	}
	out := make([]Attribute, len(in))
	for i, attr := range in {
		out[i] = Attribute{Name: attr.Name, Values: append([]string(nil), attr.Values...)}
	}
	return out
}
