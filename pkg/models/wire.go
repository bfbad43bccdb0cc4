package models

import (
	"encoding/json"
	"strings"
)

// DefaultDomain is the topic prefix shared by every caller and responder
// on the broadcast channel unless configuration overrides it.
const DefaultDomain = "macrohero"

const (
	requestTopicSuffix  = ".api.request"
	responseTopicSuffix = ".api.response"
)

func RequestTopic(domain string) string {
	return normalizeDomain(domain) + requestTopicSuffix
}

func ResponseTopic(domain string) string {
	return normalizeDomain(domain) + responseTopicSuffix
}

func normalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return DefaultDomain
	}
	return domain
}

// Request is the wire record published on "<domain>.api.request".
// CallID pairs the request with its eventual response; RequesterID
// distinguishes the local caller among peers sharing the topic.
type Request struct {
	CallID      string          `json:"callId"`
	RequesterID string          `json:"requesterId"`
	Op          Op              `json:"op"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// Response is the wire record published on "<domain>.api.response".
// A responder copies CallID and RequesterID verbatim from the request.
type Response struct {
	CallID      string          `json:"callId"`
	RequesterID string          `json:"requesterId"`
	OK          bool            `json:"ok"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NewRequest builds a request envelope for one operation. CallID and
// RequesterID are assigned by the correlation client before publishing.
func NewRequest(op Op, args any) (Request, error) {
	req := Request{Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Request{}, err
		}
		req.Args = raw
	}
	if err := req.ValidateArgs(); err != nil {
		return Request{}, err
	}
	return req, nil
}
