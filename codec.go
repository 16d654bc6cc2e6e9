package jrpc

import (
	"bytes"
	"encoding/json"
)

// Message is one decoded inbound frame: either a single request or a batch.
// Batch entries that violated the JSON-RPC shape carry their own error so
// the rest of the batch is unaffected.
type Message struct {
	Batch bool
	Items []Item
}

// Item is one batch position: a valid request or the shape error that
// replaces it.
type Item struct {
	Request *Request
	Err     *Error
}

// DecodeMessage parses raw bytes into a Message. A non-nil *Error means the
// whole frame was rejected (malformed JSON, wrong top-level type, or an
// empty batch) and must be answered with a single error response carrying a
// null id.
func DecodeMessage(raw []byte) (*Message, *Error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errParse()
	}

	if trimmed[0] == '[' {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, errParse()
		}
		if len(entries) == 0 {
			return nil, errInvalidRequest("empty batch")
		}
		msg := &Message{Batch: true, Items: make([]Item, len(entries))}
		for i, entry := range entries {
			req, errObj := decodeEntry(entry)
			msg.Items[i] = Item{Request: req, Err: errObj}
		}
		return msg, nil
	}

	if !json.Valid(raw) {
		return nil, errParse()
	}
	if trimmed[0] != '{' {
		return nil, errInvalidRequest("expected object or array")
	}
	req, errObj := decodeEntry(raw)
	if errObj != nil {
		return nil, errObj
	}
	return &Message{Items: []Item{{Request: req}}}, nil
}

// decodeEntry validates one request object: jsonrpc must be "2.0", method a
// string, params (if present) an array or object, id (if present) a string,
// number or null.
func decodeEntry(raw json.RawMessage) (*Request, *Error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errInvalidRequest("entry is not an object")
	}

	version, ok := fields["jsonrpc"]
	if !ok {
		return nil, errInvalidRequest("missing jsonrpc version")
	}
	var versionStr string
	if err := json.Unmarshal(version, &versionStr); err != nil || versionStr != Version {
		return nil, errInvalidRequest("unsupported jsonrpc version")
	}

	methodRaw, ok := fields["method"]
	if !ok {
		return nil, errInvalidRequest("missing method")
	}
	var method string
	if err := json.Unmarshal(methodRaw, &method); err != nil || method == "" {
		return nil, errInvalidRequest("method must be a non-empty string")
	}

	req := &Request{JSONRPC: versionStr, Method: method}

	if params, ok := fields["params"]; ok {
		p := bytes.TrimLeft(params, " \t\r\n")
		if len(p) == 0 || (p[0] != '[' && p[0] != '{') {
			return nil, errInvalidRequest("params must be an array or object")
		}
		req.Params = params
	}

	if id, ok := fields["id"]; ok {
		var idVal interface{}
		if err := json.Unmarshal(id, &idVal); err != nil {
			return nil, errInvalidRequest("malformed id")
		}
		switch idVal.(type) {
		case string, float64, nil:
		default:
			return nil, errInvalidRequest("id must be a string, number or null")
		}
		req.ID = &id
	}

	return req, nil
}

// encodeResponses serializes the per-position responses of a frame. Nil
// entries (notification positions) are skipped. Returns nil when nothing is
// owed to the peer, which is also the case for a batch of notifications
// only.
func encodeResponses(batch bool, responses []*Response) ([]byte, error) {
	kept := make([]*Response, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			kept = append(kept, resp)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	if !batch {
		return json.Marshal(kept[0])
	}
	return json.Marshal(kept)
}
