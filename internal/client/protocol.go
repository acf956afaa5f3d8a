package client

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RunRequest asks a server to assemble one evaluation pass. It travels as
// the CBOR encoded command of a Flight descriptor.
type RunRequest struct {
	Source     string `cbor:"source" json:"source"`
	Checkpoint string `cbor:"checkpoint,omitempty" json:"checkpoint,omitempty"`
	Output     string `cbor:"output,omitempty" json:"output,omitempty"`
	Sample     string `cbor:"sample,omitempty" json:"sample,omitempty"`
}

// RunResult describes a written output file.
type RunResult struct {
	Session  string `cbor:"session" json:"session"`
	Output   string `cbor:"output" json:"output"`
	Location string `cbor:"location,omitempty" json:"location,omitempty"`
	Jets     int    `cbor:"jets" json:"jets"`
	Batches  int    `cbor:"batches" json:"batches"`
}

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

func EncodeRequest(req RunRequest) ([]byte, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("run request has no source")
	}
	return encMode.Marshal(req)
}

func DecodeRequest(data []byte) (RunRequest, error) {
	var req RunRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return RunRequest{}, fmt.Errorf("failed to decode run request: %w", err)
	}
	if req.Source == "" {
		return RunRequest{}, fmt.Errorf("run request has no source")
	}
	return req, nil
}

func EncodeResult(res RunResult) ([]byte, error) {
	return encMode.Marshal(res)
}

func DecodeResult(data []byte) (RunResult, error) {
	var res RunResult
	if err := cbor.Unmarshal(data, &res); err != nil {
		return RunResult{}, fmt.Errorf("failed to decode run result: %w", err)
	}
	return res, nil
}
