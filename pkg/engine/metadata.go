package engine

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-pdti/pkg/domain"
)

// federationResultSuccess is the result message carried by the federation status control.
const federationResultSuccess = "Success"

// FederationStatus is the document carried by the federation status control.
type FederationStatus struct {
	DirectoryID        string `xml:"directoryId"`
	FederatedRequestID string `xml:"federatedRequestId"`
	ResultMessage      string `xml:"resultMessage"`
}

// federatedSearchResponseData wraps FederationStatus the way peer directories expect it.
type federatedSearchResponseData struct {
	XMLName xml.Name         `xml:"gov.hhs.onc.pdti.ws.api federatedSearchResponseData"`
	Status  FederationStatus `xml:"federatedResponseStatus"`
}

// EntryMetadata is the document carried by the search entry metadata control.
type EntryMetadata struct {
	XMLName      xml.Name `xml:"gov.hhs.onc.pdti.ws.api searchResultEntryMetadata"`
	DirectoryID  string   `xml:"directoryId"`
	DirectoryURI string   `xml:"directoryURI"`
}

// MarshalFunc serializes a metadata document.
type MarshalFunc func(v any) ([]byte, error)

// MetadataInjector builds provenance controls and attaches them to search responses.
type MetadataInjector struct {
	marshal MarshalFunc
	logger  *slog.Logger
}

// NewMetadataInjector returns an injector encoding documents as XML. A nil
// marshal selects xml.Marshal.
func NewMetadataInjector(marshal MarshalFunc, logger *slog.Logger) *MetadataInjector {
	if marshal == nil {
		marshal = xml.Marshal
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataInjector{marshal: marshal, logger: logger}
}

// Envelope holds the controls computed once for a request. A nil control
// means its payload could not be encoded and it is omitted.
type Envelope struct {
	Status   *domain.Control
	Metadata *domain.Control
}

// Build computes both controls for the request described by fed.
func (m *MetadataInjector) Build(fed domain.FederationContext) Envelope {
	var env Envelope

	status := federatedSearchResponseData{Status: FederationStatus{
		DirectoryID:        fed.DirectoryID,
		FederatedRequestID: fed.FederationOrgID,
		ResultMessage:      federationResultSuccess,
	}}
	if ctrl, err := m.control(domain.OIDFederationStatus, status); err != nil {
		m.logger.Warn("omitting federation status control",
			"directory_id", fed.DirectoryID,
			"request_id", fed.RequestID,
			"class", domain.FailureMetadataEncoding,
			"error", err,
		)
	} else {
		env.Status = &ctrl
	}

	metadata := EntryMetadata{DirectoryID: fed.DirectoryID, DirectoryURI: fed.EndpointLocation}
	if ctrl, err := m.control(domain.OIDSearchEntryMetadata, metadata); err != nil {
		m.logger.Warn("omitting search entry metadata control",
			"directory_id", fed.DirectoryID,
			"request_id", fed.RequestID,
			"class", domain.FailureMetadataEncoding,
			"error", err,
		)
	} else {
		env.Metadata = &ctrl
	}

	return env
}

func (m *MetadataInjector) control(oid string, doc any) (domain.Control, error) {
	body, err := m.marshal(doc)
	if err != nil {
		return domain.Control{}, fmt.Errorf("%w: %s: %v", domain.ErrMetadataEncoding, oid, err)
	}
	payload := append([]byte(xml.Header), body...)
	return domain.Control{
		Type:        oid,
		Criticality: false,
		Value:       base64.StdEncoding.EncodeToString(payload),
	}, nil
}

// Apply attaches the envelope to every search response in entries: the status
// control to each done marker and the metadata control to each result entry.
// Existing controls of the same type are replaced so each element carries
// exactly one. It returns the number of search responses touched.
func (e Envelope) Apply(entries []domain.ResponseEntry) int {
	touched := 0
	for i := range entries {
		search := entries[i].Search
		if entries[i].Kind != domain.EntrySearch || search == nil {
			continue
		}
		touched++
		if e.Status != nil {
			search.Done.Controls = domain.SetControl(search.Done.Controls, *e.Status)
		}
		if e.Metadata == nil {
			continue
		}
		for j := range search.Entries {
			search.Entries[j].Controls = domain.SetControl(search.Entries[j].Controls, *e.Metadata)
		}
	}
	return touched
}

// DecodeFederationStatus decodes the payload of a federation status control.
func DecodeFederationStatus(ctrl domain.Control) (FederationStatus, error) {
	var doc federatedSearchResponseData
	if err := decodeControl(ctrl, domain.OIDFederationStatus, &doc); err != nil {
		return FederationStatus{}, err
	}
	return doc.Status, nil
}

// DecodeEntryMetadata decodes the payload of a search entry metadata control.
func DecodeEntryMetadata(ctrl domain.Control) (EntryMetadata, error) {
	var doc EntryMetadata
	if err := decodeControl(ctrl, domain.OIDSearchEntryMetadata, &doc); err != nil {
		return EntryMetadata{}, err
	}
	return doc, nil
}

func decodeControl(ctrl domain.Control, oid string, into any) error {
	if ctrl.Type != oid {
		return fmt.Errorf("control type %q, want %q", ctrl.Type, oid)
	}
	raw, err := base64.StdEncoding.DecodeString(ctrl.Value)
	if err != nil {
		return fmt.Errorf("decode control value: %w", err)
	}
	if err := xml.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("unmarshal control document: %w", err)
	}
	return nil
}
