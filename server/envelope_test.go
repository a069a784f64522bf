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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEnvelopeShape(t *testing.T) {
	ts := time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)
	payload, err := MarshalEnvelope(EventPong, &PongData{Timestamp: ts}, ts)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Contains(t, decoded, "event")
	assert.Contains(t, decoded, "data")
	assert.Contains(t, decoded, "timestamp")

	envelope := &Envelope{}
	require.NoError(t, json.Unmarshal(payload, envelope))
	assert.Equal(t, EventPong, envelope.Event)
	assert.True(t, envelope.Timestamp.Equal(ts))

	pong := &PongData{}
	require.NoError(t, json.Unmarshal(envelope.Data, pong))
	assert.True(t, pong.Timestamp.Equal(ts))
}

func TestMarshalEnvelopeNilDataOmitted(t *testing.T) {
	payload, err := MarshalEnvelope(EventPing, nil, time.Now())
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.NotContains(t, decoded, "data")
}

func TestAsTypedErrorPassthrough(t *testing.T) {
	assert.Equal(t, ErrAlreadySubmitted, AsTypedError(ErrAlreadySubmitted))
	assert.Equal(t, ErrTimeExpired, AsTypedError(ErrTimeExpired))
}

func TestAsTypedErrorNormalizesUnknown(t *testing.T) {
	// Internal causes never leak onto the wire.
	typed := AsTypedError(errors.New("pq: connection refused"))
	assert.Equal(t, ErrorCodeServerError, typed.Code)
	assert.Equal(t, ErrServerError.Message, typed.Message)
}
