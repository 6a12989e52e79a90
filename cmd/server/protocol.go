// Package main provides a TCP server for ForkDB.
package main

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/nickyhof/ForkDB/core"
)

// Operations accepted in Request.Op.
const (
	OpExec       = "exec"
	OpWorlds     = "worlds"
	OpBranch     = "branch"
	OpSchema     = "schema"
	OpCommit     = "commit"
	OpRollback   = "rollback"
	OpHistory    = "history"
	OpExperiment = "experiment"
	OpSelect     = "select"
)

// Request is one client command. A line that is not a JSON object is
// executed as SQL against mainline.
type Request struct {
	Op          string `json:"op"`
	World       string `json:"world,omitempty"`
	SQL         string `json:"sql,omitempty"`
	Parent      string `json:"parent,omitempty"`
	Description string `json:"description,omitempty"`
	Question    string `json:"question,omitempty"`
	AutoCommit  bool   `json:"auto_commit,omitempty"`
}

// Response represents the server's response to a request.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// QueryResponse contains tabular query results.
type QueryResponse struct {
	World       string     `json:"world"`
	Columns     []string   `json:"columns"`
	Data        [][]string `json:"data"`
	RecordsRead int        `json:"records_read"`
	TimeMs      float64    `json:"time_ms"`
}

// MutationResponse contains the outcome of a data or schema change.
type MutationResponse struct {
	World        string  `json:"world"`
	AffectedRows int64   `json:"affected_rows"`
	TimeMs       float64 `json:"time_ms"`
}

type BranchResponse struct {
	World  string `json:"world"`
	Parent string `json:"parent"`
}

type WorldsResponse struct {
	Worlds []core.World `json:"worlds"`
}

type TransactionResponse struct {
	Id      string             `json:"id"`
	When    string             `json:"when"`
	Author  string             `json:"author"`
	Kind    string             `json:"kind"`
	World   string             `json:"world"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// AuthResponse contains the result of an AUTH command.
type AuthResponse struct {
	Authenticated bool   `json:"authenticated"`
	Identity      string `json:"identity"`
	ExpiresIn     int    `json:"expires_in,omitempty"`
}

// EncodeResponse serializes a Response to JSON with a newline.
func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses one request line.
func DecodeRequest(data []byte) (Request, error) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		return Request{Op: OpExec, World: core.MainlineID, SQL: string(trimmed)}, nil
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return Request{}, err
	}
	req.Op = strings.ToLower(strings.TrimSpace(req.Op))
	if req.Op == "" && req.SQL != "" {
		req.Op = OpExec
	}
	switch req.Op {
	case OpCommit, OpRollback, OpSelect:
	default:
		if req.World == "" {
			req.World = core.MainlineID
		}
	}
	return req, nil
}
