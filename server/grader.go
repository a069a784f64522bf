// Copyright 2023 The Codeclash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrGraderUnavailable is returned when the execution engine cannot be
// reached or responds with a transport-level failure. Grading verdicts,
// including wedged or crashing user code, are not errors.
var ErrGraderUnavailable = errors.New("code execution engine unavailable")

// TestCaseResult is the outcome of running submitted code against one test
// case. Input and output fields are only populated for visible cases.
type TestCaseResult struct {
	Index          int     `json:"index"`
	Passed         bool    `json:"passed"`
	IsHidden       bool    `json:"isHidden"`
	Input          *string `json:"input,omitempty"`
	ExpectedOutput *string `json:"expectedOutput,omitempty"`
	ActualOutput   *string `json:"actualOutput,omitempty"`
}

// GraderVerdict is the full grading outcome for a coding submission.
type GraderVerdict struct {
	Status          SubmissionStatus  `json:"status"`
	TestCasesPassed int               `json:"testCasesPassed"`
	TestCasesTotal  int               `json:"testCasesTotal"`
	RuntimeMs       int64             `json:"runtimeMs"`
	MemoryKB        int64             `json:"memoryKb"`
	TestCaseResults []*TestCaseResult `json:"testCaseResults,omitempty"`
}

// Accepted reports whether every test case passed.
func (v *GraderVerdict) Accepted() bool {
	return v.Status == SubmissionStatusAccepted
}

// Sanitized returns a copy safe to send to the submitting client. Hidden
// test cases keep only their pass/fail bit.
func (v *GraderVerdict) Sanitized() *VerdictPayload {
	payload := &VerdictPayload{
		Status:          v.Status,
		TestCasesPassed: v.TestCasesPassed,
		TestCasesTotal:  v.TestCasesTotal,
		RuntimeMs:       v.RuntimeMs,
		MemoryKB:        v.MemoryKB,
	}
	if len(v.TestCaseResults) > 0 {
		payload.TestCaseResults = make([]*TestCaseResultPayload, 0, len(v.TestCaseResults))
		for _, result := range v.TestCaseResults {
			p := &TestCaseResultPayload{
				Index:    result.Index,
				Passed:   result.Passed,
				IsHidden: result.IsHidden,
			}
			if !result.IsHidden {
				p.Input = result.Input
				p.ExpectedOutput = result.ExpectedOutput
				p.ActualOutput = result.ActualOutput
			}
			payload.TestCaseResults = append(payload.TestCaseResults, p)
		}
	}
	return payload
}

// CodeGrader executes submitted code against a question's test cases.
type CodeGrader interface {
	Grade(ctx context.Context, question *Question, code, language string) (*GraderVerdict, error)
}

type gradeRequest struct {
	Language      string           `json:"language"`
	Code          string           `json:"code"`
	FunctionName  *string          `json:"functionName,omitempty"`
	TimeLimitSec  int              `json:"timeLimitSec"`
	MemoryLimitMB *int             `json:"memoryLimitMb,omitempty"`
	TestCases     []*gradeTestCase `json:"testCases"`
}

type gradeTestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	IsHidden       bool   `json:"isHidden"`
}

type httpCodeGrader struct {
	logger *zap.Logger
	config *GraderConfig
	client *http.Client
}

func NewHTTPCodeGrader(logger *zap.Logger, config *GraderConfig) CodeGrader {
	return &httpCodeGrader{
		logger: logger,
		config: config,
		client: &http.Client{
			Timeout: time.Duration(config.TimeoutMs) * time.Millisecond,
		},
	}
}

func (g *httpCodeGrader) Grade(ctx context.Context, question *Question, code, language string) (*GraderVerdict, error) {
	request := &gradeRequest{
		Language:      language,
		Code:          code,
		FunctionName:  question.FunctionName,
		TimeLimitSec:  question.TimeLimitSec,
		MemoryLimitMB: question.MemoryLimitMB,
		TestCases:     make([]*gradeTestCase, 0, len(question.TestCases)),
	}
	for _, tc := range question.TestCases {
		request.TestCases = append(request.TestCases, &gradeTestCase{
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
			IsHidden:       tc.IsHidden,
		})
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Address+"/v1/grade", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := g.client.Do(httpRequest)
	if err != nil {
		g.logger.Warn("Could not reach code execution engine", zap.Error(err))
		return nil, ErrGraderUnavailable
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		g.logger.Warn("Code execution engine returned unexpected status", zap.Int("status", response.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrGraderUnavailable, response.StatusCode)
	}

	verdict := &GraderVerdict{}
	if err = json.NewDecoder(response.Body).Decode(verdict); err != nil {
		g.logger.Warn("Could not decode grading verdict", zap.Error(err))
		return nil, fmt.Errorf("%w: bad verdict payload", ErrGraderUnavailable)
	}
	return verdict, nil
}
