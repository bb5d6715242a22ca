package hpkvtest

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/luciancaetano/hpkv"
)

// Operation codes on the wire.
const (
	opGet    = 1
	opSet    = 2
	opPatch  = 3
	opDelete = 4
	opRange  = 5
	opAtomic = 6
)

type request struct {
	Op        int             `json:"op"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	MessageID int64           `json:"messageId"`
	EndKey    string          `json:"endKey"`
	Limit     int             `json:"limit"`
}

type record struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type response struct {
	Code      int      `json:"code"`
	MessageID int64    `json:"messageId,omitempty"`
	Key       string   `json:"key,omitempty"`
	Value     any      `json:"value,omitempty"`
	NewValue  any      `json:"newValue,omitempty"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
	Success   bool     `json:"success,omitempty"`
	Records   []record `json:"records,omitempty"`
	Count     int      `json:"count,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

type notification struct {
	Type      string  `json:"type"`
	Key       string  `json:"key"`
	Value     *string `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// store is the in-memory key space. Values are kept as text.
type store struct {
	mu   sync.Mutex
	data map[string]string
}

func newStore() *store {
	return &store{data: make(map[string]string)}
}

func (s *store) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *store) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// apply executes req and returns its response and, for mutations, the
// notification to broadcast.
func (s *store) apply(req request) (response, *notification) {
	if req.Key == "" {
		return response{Code: hpkv.StatusBadRequest, Error: hpkv.MsgInvalidRequest}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Op {
	case opGet:
		v, ok := s.data[req.Key]
		if !ok {
			return response{Code: hpkv.StatusNotFound, Key: req.Key, Error: hpkv.MsgRecordNotFound}, nil
		}
		return response{Code: hpkv.StatusOK, Key: req.Key, Value: v}, nil

	case opSet:
		v := text(req.Value)
		s.data[req.Key] = v
		return response{Code: hpkv.StatusOK, Key: req.Key, Success: true, Message: "Record inserted/updated successfully"}, changed(req.Key, &v)

	case opPatch:
		v := merge(s.data[req.Key], text(req.Value))
		s.data[req.Key] = v
		return response{Code: hpkv.StatusOK, Key: req.Key, Success: true, Message: "Record patched successfully"}, changed(req.Key, &v)

	case opDelete:
		if _, ok := s.data[req.Key]; !ok {
			return response{Code: hpkv.StatusNotFound, Key: req.Key, Error: hpkv.MsgRecordNotFound}, nil
		}
		delete(s.data, req.Key)
		return response{Code: hpkv.StatusOK, Key: req.Key, Success: true, Message: "Record deleted successfully"}, changed(req.Key, nil)

	case opRange:
		return s.rangeLocked(req), nil

	case opAtomic:
		delta, err := strconv.ParseInt(text(req.Value), 10, 64)
		if err != nil {
			return response{Code: hpkv.StatusBadRequest, Key: req.Key, Error: hpkv.MsgNotANumber}, nil
		}
		var cur int64
		if v, ok := s.data[req.Key]; ok {
			cur, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return response{Code: hpkv.StatusBadRequest, Key: req.Key, Error: hpkv.MsgNotANumber}, nil
			}
		}
		cur += delta
		v := strconv.FormatInt(cur, 10)
		s.data[req.Key] = v
		return response{Code: hpkv.StatusOK, Key: req.Key, Success: true, NewValue: cur}, changed(req.Key, &v)
	}

	return response{Code: hpkv.StatusBadRequest, Key: req.Key, Error: hpkv.MsgUnknownOperation}, nil
}

func (s *store) rangeLocked(req request) response {
	end := req.EndKey
	if end == "" {
		end = req.Key
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if k >= req.Key && k <= end {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	truncated := false
	if req.Limit > 0 && len(keys) > req.Limit {
		keys = keys[:req.Limit]
		truncated = true
	}
	records := make([]record, 0, len(keys))
	for _, k := range keys {
		records = append(records, record{Key: k, Value: s.data[k]})
	}
	return response{Code: hpkv.StatusOK, Records: records, Count: len(records), Truncated: truncated}
}

func changed(key string, value *string) *notification {
	return &notification{Key: key, Value: value}
}

// text returns a JSON string's contents, or the JSON text of any other value.
func text(raw json.RawMessage) string {
	var s string
	if len(raw) > 0 && raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// merge shallow-merges patch into current when both are JSON objects and
// replaces current otherwise.
func merge(current, patch string) string {
	var base, delta map[string]any
	if json.Unmarshal([]byte(current), &base) != nil || json.Unmarshal([]byte(patch), &delta) != nil {
		return patch
	}
	if base == nil {
		base = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return patch
	}
	return string(out)
}
