package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MiningInfo is the current block as reported by the pool or wallet.
// TargetDeadline is math.MaxUint64 when the pool sets no limit.
type MiningInfo struct {
	GenerationSignature string
	BaseTarget          uint64
	Height              uint64
	TargetDeadline      uint64
}

type miningInfoResponse struct {
	GenerationSignature string      `json:"generationSignature"`
	BaseTarget          *flexUint64 `json:"baseTarget"`
	Height              *flexUint64 `json:"height"`
	TargetDeadline      *flexUint64 `json:"targetDeadline"`
}

func (r *miningInfoResponse) complete() bool {
	return r.GenerationSignature != "" && r.BaseTarget != nil && r.Height != nil
}

func (r *miningInfoResponse) info() *MiningInfo {
	info := &MiningInfo{
		GenerationSignature: r.GenerationSignature,
		BaseTarget:          uint64(*r.BaseTarget),
		Height:              uint64(*r.Height),
		TargetDeadline:      math.MaxUint64,
	}
	if r.TargetDeadline != nil {
		info.TargetDeadline = uint64(*r.TargetDeadline)
	}
	return info
}

type submitNonceResponse struct {
	Deadline *flexUint64 `json:"deadline"`
}

func (r *submitNonceResponse) complete() bool {
	return r.Deadline != nil
}

// flexUint64 accepts numbers and numeric strings.
type flexUint64 uint64

func (f *flexUint64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("expected string or int: %w", err)
	}
	*f = flexUint64(v)
	return nil
}

type poolErrorWrapper struct {
	Error *PoolError `json:"error"`
}

// PoolError is an error reported by the pool in the response body.
type PoolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("pool error %d: %s", e.Code, e.Message)
}

// TransportError is a failure to get an answer from the pool at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// poolErrorFrom returns the error carried by an {"error":{...}} body.
func poolErrorFrom(body []byte) *PoolError {
	var wrapper poolErrorWrapper
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil
	}
	return wrapper.Error
}

// parseResult decodes body into v. Bodies that are not a complete v become
// a PoolError.
func parseResult(body []byte, v interface{ complete() bool }) error {
	if pe := poolErrorFrom(body); pe != nil {
		return pe
	}
	if err := json.Unmarshal(body, v); err != nil || !v.complete() {
		return &PoolError{Code: 0, Message: string(body)}
	}
	return nil
}
